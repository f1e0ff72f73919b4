//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_CreateDeleteCycle(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "kv_cycle",
		TTL:    time.Minute,
	})
	require.NoError(t, err)

	again, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "kv_cycle"})
	require.NoError(t, err, "existing bucket is reused")
	assert.Equal(t, "kv_cycle", again.Bucket())

	kv := NewKVStore(bucket, 5*time.Second)

	_, err = kv.Create(ctx, "k1", []byte("1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "k1", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	value, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, kv.Delete(ctx, "k1"))
	_, err = kv.Create(ctx, "k1", []byte("3"))
	assert.NoError(t, err, "deleted key can be created again")

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
	assert.NoError(t, kv.Delete(ctx, "missing"))
}
