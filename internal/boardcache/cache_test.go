package boardcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"counterflow/queue-service/internal/models"
	"counterflow/queue-service/internal/store"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func sampleSnapshot() store.BoardSnapshot {
	return store.BoardSnapshot{
		Serving: []models.Ticket{{
			ID:            4,
			Number:        4,
			DisplayNumber: "R0004",
			Status:        models.StatusServing,
			Step:          models.StepOne,
		}},
		Waiting: []models.Ticket{{
			ID:            5,
			Number:        5,
			DisplayNumber: "R0005",
			Status:        models.StatusWaiting,
			Step:          models.StepOne,
		}},
		GeneratedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestCacheGetHit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := New(rdb, time.Second)

	snapshot := sampleSnapshot()
	raw, err := json.Marshal(snapshot)
	assert.NoError(t, err)
	mock.ExpectGet("board:step:1").SetVal(string(raw))

	got, hit, err := cache.Get(context.Background(), 1)
	assert.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, snapshot.Serving[0].DisplayNumber, got.Serving[0].DisplayNumber)
	assert.Equal(t, snapshot.Waiting[0].DisplayNumber, got.Waiting[0].DisplayNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheGetMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := New(rdb, time.Second)

	mock.ExpectGet("board:step:2").RedisNil()

	_, hit, err := cache.Get(context.Background(), 2)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheGetCorruptPayloadIsMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := New(rdb, time.Second)

	mock.ExpectGet("board:step:1").SetVal("{not json")

	_, hit, err := cache.Get(context.Background(), 1)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheSet(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := New(rdb, 5*time.Second)

	snapshot := sampleSnapshot()
	raw, err := json.Marshal(snapshot)
	assert.NoError(t, err)
	mock.ExpectSet("board:step:1", raw, 5*time.Second).SetVal("OK")

	assert.NoError(t, cache.Set(context.Background(), 1, snapshot))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheDisabledWithoutClient(t *testing.T) {
	cache := New(nil, time.Second)

	_, hit, err := cache.Get(context.Background(), 1)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, cache.Set(context.Background(), 1, sampleSnapshot()))
}
