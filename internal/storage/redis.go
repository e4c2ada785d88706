package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCaptchaPrefix = "captcha:"

// RedisCaptchaStore keeps challenges as hashes with a server-side expiry.
type RedisCaptchaStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedisClient creates a client and checks connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisCaptchaStore wraps rdb. An empty keyPrefix selects "captcha:".
func NewRedisCaptchaStore(rdb redis.UniversalClient, keyPrefix string) *RedisCaptchaStore {
	if keyPrefix == "" {
		keyPrefix = defaultCaptchaPrefix
	}
	return &RedisCaptchaStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisCaptchaStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Put stores the challenge. The key outlives expiresAt by a second so the
// exact-expiry instant is still answered from the stored timestamp.
func (s *RedisCaptchaStore) Put(ctx context.Context, principal, answer string, expiresAt time.Time) error {
	key := s.keyPrefix + principal
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "answer", answer, "expires_at", strconv.FormatInt(expiresAt.UnixNano(), 10))
	pipe.PExpireAt(ctx, key, expiresAt.Add(time.Second))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCaptchaStore) GetIfLive(ctx context.Context, principal string, now time.Time) (string, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyPrefix+principal).Result()
	if err != nil {
		return "", false, err
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	exp, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return "", false, fmt.Errorf("corrupt captcha record for %s: %w", principal, err)
	}
	if now.After(time.Unix(0, exp)) {
		return "", false, nil
	}
	return vals["answer"], true, nil
}

func (s *RedisCaptchaStore) Delete(ctx context.Context, principal string) error {
	return s.rdb.Del(ctx, s.keyPrefix+principal).Err()
}
