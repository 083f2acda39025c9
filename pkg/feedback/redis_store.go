package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

// RedisStore implements session storage using Redis. Updates run inside a
// WATCH transaction so concurrent mutators retry instead of clobbering
// each other's writes.
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
	ttl       time.Duration
}

// RedisStoreConfig holds Redis connection configuration
type RedisStoreConfig struct {
	Address  string
	Password string
	Database int
	TTL      time.Duration
}

const redisUpdateRetries = 5

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(cfg RedisStoreConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis", map[string]interface{}{
			"address": cfg.Address,
		})
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger.WithFields(logrus.Fields{
		"address": cfg.Address,
		"ttl":     ttl,
	}).Info("Connected to Redis session store")

	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: "feedback:session:",
		ttl:       ttl,
	}, nil
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

// Create stores a new session, failing if the id already exists
func (r *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	ok, err := r.client.SetNX(ctx, r.key(session.ID), data, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "failed to store session in Redis")
	}
	if !ok {
		return errors.Wrap(errors.ErrAlreadyExists, "session already exists", map[string]interface{}{
			"session_id": session.ID,
		})
	}

	return nil
}

// Get returns the stored session
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewSessionNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session from Redis")
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}

	return &session, nil
}

// Update applies the mutator inside a WATCH transaction, retrying when a
// concurrent writer touches the key
func (r *RedisStore) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	var result *Session

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.key(id)).Bytes()
		if err == redis.Nil {
			return errors.NewSessionNotFound(id)
		}
		if err != nil {
			return err
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return errors.Wrap(err, "failed to unmarshal session")
		}

		if err := mutate(&session); err != nil {
			return err
		}

		updated, err := json.Marshal(&session)
		if err != nil {
			return errors.Wrap(err, "failed to marshal session")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key(id), updated, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}

		result = &session
		return nil
	}

	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, txn, r.key(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, errors.New(fmt.Sprintf("session update contention exceeded %d retries", redisUpdateRetries), map[string]interface{}{
		"session_id": id,
	})
}

// Health pings Redis
func (r *RedisStore) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
