package dedup

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/natsclient"
)

// NATSStore is a DistributedStore on a JetStream KV bucket. Expiry is a property of
// the bucket, so the ttl passed to TrySet is ignored; OpenNATSStore sets it.
type NATSStore struct {
	kv *natsclient.KVStore
}

// OpenNATSStore gets or creates bucket with the given TTL.
func OpenNATSStore(ctx context.Context, client *natsclient.Client, bucket string, ttl time.Duration) (*NATSStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "event dedup keys",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "NATSStore", "OpenNATSStore", "bucket setup")
	}
	return NewNATSStore(natsclient.NewKVStore(kv, 5*time.Second)), nil
}

// NewNATSStore wraps an existing KV store.
func NewNATSStore(kv *natsclient.KVStore) *NATSStore {
	return &NATSStore{kv: kv}
}

// Backend implements Named.
func (s *NATSStore) Backend() string { return "nats" }

// KV keys are limited to [-/_=.a-zA-Z0-9]; dedup keys contain ':' and arbitrary ids.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// TrySet implements DistributedStore.
func (s *NATSStore) TrySet(ctx context.Context, key string, _ time.Duration) (bool, error) {
	_, err := s.kv.Create(ctx, natsKey(key), []byte(redisProcessing))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, natsclient.ErrKVKeyExists) {
		return false, nil
	}
	return false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
		"NATSStore", "TrySet", "kv create")
}

// Delete implements DistributedStore.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, natsKey(key)); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"NATSStore", "Delete", "kv delete")
	}
	return nil
}
