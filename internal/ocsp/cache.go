// Package ocsp implements the OCSP-response cache and retry policy of
// spec §5's certificate-revocation check ("OCSP retry: 500ms × up to 60
// attempts"), repurposing the teacher's bbolt checkpoint idiom
// (internal/db/checkpoint.go) for durable response storage instead of
// chain-sync position.
package ocsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const responseBucket = "ocsp_responses"

// Cache stores the most recently observed OCSP response per certificate
// key, the way the teacher's CheckpointDB stores one record per service
// name.
type Cache struct {
	db *bbolt.DB
}

// cachedResponse is the persisted record for one certificate key.
type cachedResponse struct {
	Response  []byte
	FetchedAt time.Time
}

// NewCache opens (creating if absent) a bbolt database at path.
func NewCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ocsp: open cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(responseBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ocsp: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached response for key, if one has been stored.
func (c *Cache) Get(key string) ([]byte, time.Time, bool) {
	var rec cachedResponse
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(responseBucket))
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return nil, time.Time{}, false
	}
	return rec.Response, rec.FetchedAt, true
}

// Put stores the response fetched for key, overwriting any prior entry.
func (c *Cache) Put(key string, response []byte, fetchedAt time.Time) error {
	data, err := json.Marshal(cachedResponse{Response: response, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("ocsp: marshal cached response: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(responseBucket))
		if b == nil {
			return errors.New("ocsp: response bucket not found")
		}
		return b.Put([]byte(key), data)
	})
}

// Close closes the underlying bbolt database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Querier performs one OCSP responder round trip. The wire format itself
// (DER request/response bytes) is an external collaborator detail per spec
// §1 — this package only drives the retry/cache policy around it.
type Querier interface {
	Query(ctx context.Context, responderURL string, request []byte) ([]byte, error)
}

// Client drives spec §5's retry policy ("500ms × up to 60 attempts") over
// a Querier, serving a cached response without a round trip when one is
// already on file.
type Client struct {
	cache      *Cache
	querier    Querier
	interval   time.Duration
	maxEfforts int
}

// NewClient constructs a Client with the given retry policy (spec §5,
// SUPPLEMENTED ocspQueryTimerMilliseconds/ocspQueryMaxEfforts — see
// internal/execconfig.ExecutorConfig).
func NewClient(cache *Cache, querier Querier, interval time.Duration, maxEfforts int) *Client {
	return &Client{cache: cache, querier: querier, interval: interval, maxEfforts: maxEfforts}
}

// Response returns the cached response for key if present, otherwise
// queries the responder with up to maxEfforts attempts spaced interval
// apart, caching the first successful reply.
func (c *Client) Response(ctx context.Context, key, responderURL string, request []byte) ([]byte, error) {
	if cached, _, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < c.maxEfforts; attempt++ {
		resp, err := c.querier.Query(ctx, responderURL, request)
		if err == nil {
			if putErr := c.cache.Put(key, resp, time.Now()); putErr != nil {
				return resp, putErr
			}
			return resp, nil
		}
		lastErr = err

		if attempt == c.maxEfforts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
	}
	return nil, fmt.Errorf("ocsp: exhausted %d attempts: %w", c.maxEfforts, lastErr)
}
