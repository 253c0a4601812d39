package redisstore

import (
	"testing"

	"duelsync/internal/store"
	"duelsync/internal/store/storetest"
	"duelsync/internal/testutil"
)

func TestRedisRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		client, prefix, cleanup := testutil.OpenTestRedis(t)
		t.Cleanup(cleanup)
		return New(client, prefix)
	})
}
