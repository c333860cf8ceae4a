// internal/queue/nats_backend.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const maxUpdateAttempts = 8

// NATSBackend stores job records in a JetStream key-value bucket so every
// worker and the submitter see the same job states.
type NATSBackend struct {
	kv nats.KeyValue
}

func NewNATSBackend(nc *nats.Conn, bucket string, ttl time.Duration) (*NATSBackend, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "evaluation job records",
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open key-value bucket %s: %w", bucket, err)
	}
	return &NATSBackend{kv: kv}, nil
}

func (b *NATSBackend) Load(_ context.Context, id string) (*Record, error) {
	entry, err := b.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return decodeRecord(entry.Value())
}

func (b *NATSBackend) Store(_ context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := b.kv.Put(rec.ID, raw); err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

// Update performs an optimistic read-modify-write keyed on the entry revision.
func (b *NATSBackend) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := b.kv.Get(id)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", id, err)
		}
		rec, err := decodeRecord(entry.Value())
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		_, err = b.kv.Update(id, raw, entry.Revision())
		if err == nil {
			return rec, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", id)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
