// Package cache holds the Redis-backed submission status cache the web tier
// reads through. The database stays the source of truth; cache entries are
// invalidated on every successful result commit, never updated in place.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/config"
)

const statusTTL = 5 * time.Minute

// ErrMiss is returned when the status is not cached.
var ErrMiss = errors.New("cache miss")

// SubmissionStatus is the web-tier view of one submission's progress.
type SubmissionStatus struct {
	SubmissionID int64    `json:"submission_id"`
	DatasetID    int64    `json:"dataset_id"`
	Status       string   `json:"status"` // compiling, compilation_failed, evaluating, scoring, scored
	Score        *float64 `json:"score,omitempty"`
	PublicScore  *float64 `json:"public_score,omitempty"`
	Evaluated    int      `json:"evaluated"`
	Total        int      `json:"total"`
}

// StatusCache caches submission statuses in Redis.
type StatusCache struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewStatusCache(cfg *config.Config, log *logrus.Logger) *StatusCache {
	if log == nil {
		log = logrus.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &StatusCache{client: client, log: log}
}

// NewStatusCacheWithClient wires an existing client, used by tests.
func NewStatusCacheWithClient(client *redis.Client, log *logrus.Logger) *StatusCache {
	if log == nil {
		log = logrus.New()
	}
	return &StatusCache{client: client, log: log}
}

// Ping verifies the Redis connection.
func (c *StatusCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func statusKey(submissionID, datasetID int64) string {
	return fmt.Sprintf("grader:status:%d:%d", submissionID, datasetID)
}

// Get returns the cached status, or ErrMiss.
func (c *StatusCache) Get(ctx context.Context, submissionID, datasetID int64) (*SubmissionStatus, error) {
	payload, err := c.client.Get(ctx, statusKey(submissionID, datasetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status cache: %w", err)
	}
	status := &SubmissionStatus{}
	if err := json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode cached status: %w", err)
	}
	return status, nil
}

// Put stores a status with the standard TTL.
func (c *StatusCache) Put(ctx context.Context, status *SubmissionStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	key := statusKey(status.SubmissionID, status.DatasetID)
	if err := c.client.Set(ctx, key, payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to write status cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached status of one result. Called after every
// successful commit touching the result.
func (c *StatusCache) Invalidate(ctx context.Context, submissionID, datasetID int64) error {
	if err := c.client.Del(ctx, statusKey(submissionID, datasetID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status cache: %w", err)
	}
	return nil
}

// InvalidateSubmission drops every cached status of one submission, across
// datasets. Used on invalidation, where the dataset set may have changed.
func (c *StatusCache) InvalidateSubmission(ctx context.Context, submissionID int64) error {
	pattern := fmt.Sprintf("grader:status:%d:*", submissionID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to invalidate status cache: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan status cache: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *StatusCache) Close() error {
	return c.client.Close()
}
