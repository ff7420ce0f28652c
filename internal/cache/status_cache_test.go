package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cache := NewStatusCacheWithClient(client, log)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestStatusCachePutGet(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()

	score := 70.0
	status := &SubmissionStatus{
		SubmissionID: 100, DatasetID: 10,
		Status: "scored", Score: &score, Evaluated: 5, Total: 5,
	}
	require.NoError(t, cache.Put(ctx, status))

	loaded, err := cache.Get(ctx, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, "scored", loaded.Status)
	require.NotNil(t, loaded.Score)
	assert.Equal(t, 70.0, *loaded.Score)
	assert.Equal(t, 5, loaded.Evaluated)
}

func TestStatusCacheMiss(t *testing.T) {
	cache, _ := setupCache(t)

	_, err := cache.Get(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStatusCacheInvalidate(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &SubmissionStatus{
		SubmissionID: 100, DatasetID: 10, Status: "evaluating",
	}))
	require.NoError(t, cache.Invalidate(ctx, 100, 10))

	_, err := cache.Get(ctx, 100, 10)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStatusCacheInvalidateSubmissionAllDatasets(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()

	for _, datasetID := range []int64{10, 11} {
		require.NoError(t, cache.Put(ctx, &SubmissionStatus{
			SubmissionID: 100, DatasetID: datasetID, Status: "evaluating",
		}))
	}
	require.NoError(t, cache.Put(ctx, &SubmissionStatus{
		SubmissionID: 200, DatasetID: 10, Status: "scored",
	}))

	require.NoError(t, cache.InvalidateSubmission(ctx, 100))

	_, err := cache.Get(ctx, 100, 10)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = cache.Get(ctx, 100, 11)
	assert.ErrorIs(t, err, ErrMiss)
	// Other submissions stay cached.
	_, err = cache.Get(ctx, 200, 10)
	assert.NoError(t, err)
}

func TestStatusCacheExpiry(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &SubmissionStatus{
		SubmissionID: 100, DatasetID: 10, Status: "compiling",
	}))
	mr.FastForward(statusTTL * 2)

	_, err := cache.Get(ctx, 100, 10)
	assert.ErrorIs(t, err, ErrMiss)
}
