package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
)

func TestRedisCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewRedisCache(db, "quantsim:", time.Hour)
	ctx := context.Background()

	t.Run("hit returns blob", func(t *testing.T) {
		mock.ExpectGet("quantsim:BTC/USD_20240101_20240131").SetVal("blob")

		got, err := cache.Get(ctx, "BTC/USD_20240101_20240131")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "blob" {
			t.Errorf("Get = %q, want %q", got, "blob")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis expectations not met: %v", err)
		}
	})

	t.Run("nil reply is a miss", func(t *testing.T) {
		mock.ExpectGet("quantsim:missing").RedisNil()

		if _, err := cache.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Get error = %v, want ErrCacheMiss", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis expectations not met: %v", err)
		}
	})

	t.Run("server error is reported", func(t *testing.T) {
		mock.ExpectGet("quantsim:broken").SetErr(redis.TxFailedErr)

		_, err := cache.Get(ctx, "broken")
		if err == nil || errors.Is(err, ErrCacheMiss) {
			t.Errorf("Get error = %v, want a non-miss error", err)
		}
	})

	t.Run("put sets with ttl", func(t *testing.T) {
		blob := []byte("payload")
		mock.ExpectSet("quantsim:key", blob, time.Hour).SetVal("OK")

		if err := cache.Put(ctx, "key", blob); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis expectations not met: %v", err)
		}
	})
}
