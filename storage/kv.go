package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketConfig describes a KV bucket to open or create.
type BucketConfig struct {
	Name        string
	Description string
	// History is the number of revisions kept per key.
	History uint8
}

// KVBucket adapts a JetStream KeyValue store to Bucket.
type KVBucket struct {
	kv jetstream.KeyValue
}

// NewKVBucket wraps an existing KeyValue handle.
func NewKVBucket(kv jetstream.KeyValue) *KVBucket {
	return &KVBucket{kv: kv}
}

// OpenKV returns the named bucket, creating it if it doesn't exist.
func OpenKV(ctx context.Context, js jetstream.JetStream, cfg BucketConfig) (*KVBucket, error) {
	kv, err := js.KeyValue(ctx, cfg.Name)
	if err == nil {
		return NewKVBucket(kv), nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, translate("open bucket", err)
	}

	history := cfg.History
	if history == 0 {
		history = 5
	}
	desc := cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("Repair planner %s storage", strings.ToLower(cfg.Name))
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Name,
		Description: desc,
		History:     history,
	})
	if err != nil {
		// Another process may have created it between the lookup and the create.
		if existing, getErr := js.KeyValue(ctx, cfg.Name); getErr == nil {
			return NewKVBucket(existing), nil
		}
		return nil, translate("create bucket", err)
	}
	return NewKVBucket(kv), nil
}

// Get implements Bucket.
func (b *KVBucket) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, translate("get "+key, err)
	}
	return &Entry{
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Created:  e.Created(),
	}, nil
}

// Create implements Bucket.
func (b *KVBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		return 0, translate("create "+key, err)
	}
	return rev, nil
}

// Update implements Bucket.
func (b *KVBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, revision)
	if err != nil {
		return 0, translate("update "+key, err)
	}
	return rev, nil
}

// Keys implements Bucket. An empty bucket yields no keys and no error.
func (b *KVBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, translate("list keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// translate maps JetStream errors onto the storage sentinels.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, jetstream.ErrKeyExists), isWrongLastSequence(err):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	case isUnavailable(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, jetstream.ErrNoHeartbeat) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusServiceUnavailable || apiErr.Code == http.StatusTooManyRequests
	}
	return false
}
