package captcha

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Difficulty scales the operands of arithmetic challenges.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// ParseDifficulty maps a config string to a Difficulty. Unknown values are
// treated as Medium.
func ParseDifficulty(s string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case Easy:
		return Easy
	case Hard:
		return Hard
	default:
		return Medium
	}
}

// Challenge is a question and its normalized expected answer.
type Challenge struct {
	Question string
	Answer   string
}

type sequence struct {
	terms []int
	next  int
}

var sequences = []sequence{
	{[]int{2, 4, 6, 8}, 10},
	{[]int{1, 3, 5, 7}, 9},
	{[]int{5, 10, 15, 20}, 25},
	{[]int{1, 4, 7, 10}, 13},
}

type wordQuestion struct {
	word     string
	question string
	answer   func(word string) string
}

var wordQuestions = []wordQuestion{
	{"TRADING", "What is the 3rd letter of the word TRADING?", func(w string) string { return w[2:3] }},
	{"SOLANA", "What is the last letter of the word SOLANA?", func(w string) string { return w[len(w)-1:] }},
	{"WALLET", "How many letters are in the word WALLET?", func(w string) string { return strconv.Itoa(len(w)) }},
	{"CRYPTO", "What is the first letter of the word CRYPTO?", func(w string) string { return w[:1] }},
}

// Generate picks one of the arithmetic, sequence or word families uniformly
// and returns a challenge with a normalized answer.
func Generate(d Difficulty) (Challenge, error) {
	family, err := randIntn(3)
	if err != nil {
		return Challenge{}, err
	}
	switch family {
	case 0:
		return arithmetic(d)
	case 1:
		i, err := randIntn(len(sequences))
		if err != nil {
			return Challenge{}, err
		}
		s := sequences[i]
		terms := make([]string, len(s.terms))
		for j, v := range s.terms {
			terms[j] = strconv.Itoa(v)
		}
		return Challenge{
			Question: "Continue the sequence: " + strings.Join(terms, ", ") + ", ?",
			Answer:   strconv.Itoa(s.next),
		}, nil
	default:
		i, err := randIntn(len(wordQuestions))
		if err != nil {
			return Challenge{}, err
		}
		q := wordQuestions[i]
		return Challenge{Question: q.question, Answer: Normalize(q.answer(q.word))}, nil
	}
}

func arithmetic(d Difficulty) (Challenge, error) {
	lo, hi, ops := 5, 25, "+-"
	switch d {
	case Easy:
		lo, hi = 1, 10
	case Hard:
		lo, hi, ops = 10, 50, "+-*"
	}

	a, err := randRange(lo, hi)
	if err != nil {
		return Challenge{}, err
	}
	b, err := randRange(lo, hi)
	if err != nil {
		return Challenge{}, err
	}
	op, err := randIntn(len(ops))
	if err != nil {
		return Challenge{}, err
	}

	var q string
	var ans int
	switch ops[op] {
	case '+':
		q, ans = fmt.Sprintf("What is %d + %d?", a, b), a+b
	case '-':
		if a < b {
			a, b = b, a
		}
		q, ans = fmt.Sprintf("What is %d - %d?", a, b), a-b
	default:
		q, ans = fmt.Sprintf("What is %d × %d?", a, b), a*b
	}
	return Challenge{Question: q, Answer: strconv.Itoa(ans)}, nil
}

// Normalize upper-cases and trims an answer so comparisons ignore case and
// surrounding whitespace.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// randRange returns a uniform integer in [lo, hi].
func randRange(lo, hi int) (int, error) {
	n, err := randIntn(hi - lo + 1)
	if err != nil {
		return 0, err
	}
	return lo + n, nil
}

func randIntn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("captcha randomness: %w", err)
	}
	return int(v.Int64()), nil
}
