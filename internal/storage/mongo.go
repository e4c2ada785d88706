package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hatemosphere/solbot-guard/internal/vault"
)

const (
	captchaCollection = "captcha_sessions"
	usersCollection   = "users"
	mongoOpTimeout    = 3 * time.Second
)

type captchaDoc struct {
	UserID    string    `bson:"user_id"`
	Answer    string    `bson:"answer"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

type userDoc struct {
	UserID              string                `bson:"user_id"`
	EncryptedPrivateKey vault.EncryptedSecret `bson:"encrypted_private_key"`
	UpdatedAt           time.Time             `bson:"updated_at"`
}

// MongoStore implements SecretStore and CaptchaStore on MongoDB. Wallet keys
// live on the user document; challenges get a TTL index so the server
// removes them after expiry.
type MongoStore struct {
	client   *mongo.Client
	captchas *mongo.Collection
	users    *mongo.Collection
}

// NewMongoStore connects to uri and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "solbot"
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		captchas: db.Collection(captchaCollection),
		users:    db.Collection(usersCollection),
	}
	if err := s.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.captchas.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("create captcha indexes: %w", err)
	}
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create user index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// --- Wallet secrets ---

func (s *MongoStore) SaveSecret(ctx context.Context, principal string, sec vault.EncryptedSecret) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": principal},
		bson.M{"$set": bson.M{"encrypted_private_key": sec, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) GetSecret(ctx context.Context, principal string) (vault.EncryptedSecret, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{
		"user_id":               principal,
		"encrypted_private_key": bson.M{"$exists": true},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return vault.EncryptedSecret{}, ErrNotFound
	}
	if err != nil {
		return vault.EncryptedSecret{}, err
	}
	return doc.EncryptedPrivateKey, nil
}

func (s *MongoStore) DeleteSecret(ctx context.Context, principal string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": principal},
		bson.M{"$unset": bson.M{"encrypted_private_key": ""}})
	return err
}

// --- CAPTCHA ---

func (s *MongoStore) Put(ctx context.Context, principal, answer string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	doc := captchaDoc{
		UserID:    principal,
		Answer:    answer,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.captchas.ReplaceOne(ctx, bson.M{"user_id": principal}, doc, options.Replace().SetUpsert(true))
	return err
}

// GetIfLive filters on expires_at itself; the TTL monitor only runs about
// once a minute.
func (s *MongoStore) GetIfLive(ctx context.Context, principal string, now time.Time) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc captchaDoc
	err := s.captchas.FindOne(ctx, bson.M{
		"user_id":    principal,
		"expires_at": bson.M{"$gte": now.UTC()},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return doc.Answer, true, nil
}

func (s *MongoStore) Delete(ctx context.Context, principal string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.captchas.DeleteOne(ctx, bson.M{"user_id": principal})
	return err
}
