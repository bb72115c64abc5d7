package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/observability"
)

// ProcessedStore is the durable tier of deduplication.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, eventType, key string) (bool, error)
	MarkProcessed(ctx context.Context, eventType, key string, agreementID uuid.UUID, result string) error
	RecentKeys(ctx context.Context, limit int) ([]string, error)
}

// Deduplicator implements two-tier deduplication of money-moving requests:
// an in-memory LRU in front of a ProcessedStore. A key is claimed before
// the request runs so concurrent duplicates are rejected too.
type Deduplicator struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	inFlight map[string]struct{}

	store   ProcessedStore
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDeduplicator(capacity int, store ProcessedStore, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		lru:      NewIdempotencyLRU(capacity),
		inFlight: make(map[string]struct{}),
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
}

func compositeKey(eventType, key string) string {
	return fmt.Sprintf("%s:%s", eventType, key)
}

// Claim reserves key for processing. It returns false when the key was
// already processed or is being processed right now.
func (d *Deduplicator) Claim(ctx context.Context, eventType, key string) bool {
	ck := compositeKey(eventType, key)

	d.mu.Lock()
	if d.lru.Contains(ck) {
		d.mu.Unlock()
		d.metrics.ObserveDuplicate(eventType, "lru")
		return false
	}
	if _, busy := d.inFlight[ck]; busy {
		d.mu.Unlock()
		d.metrics.ObserveDuplicate(eventType, "in_flight")
		return false
	}
	d.inFlight[ck] = struct{}{}
	d.mu.Unlock()

	if d.store == nil {
		return true
	}

	start := time.Now()
	dup, err := d.store.IsProcessed(ctx, eventType, key)
	d.metrics.ObserveTier2(time.Since(start))
	if err != nil {
		// Store unavailable: proceed; the in-flight claim still guards this process.
		d.logger.Warn().Err(err).Str("event_type", eventType).Str("key", key).Msg("processed-event lookup failed")
		return true
	}
	if dup {
		d.mu.Lock()
		delete(d.inFlight, ck)
		d.lru.Add(ck)
		d.metrics.SetLRUSize(d.lru.Size())
		d.mu.Unlock()
		d.metrics.ObserveDuplicate(eventType, "postgres")
		return false
	}
	return true
}

// Complete marks a claimed key as processed in both tiers.
func (d *Deduplicator) Complete(ctx context.Context, eventType, key string, agreementID uuid.UUID, result string) error {
	ck := compositeKey(eventType, key)
	d.mu.Lock()
	delete(d.inFlight, ck)
	d.lru.Add(ck)
	d.metrics.SetLRUSize(d.lru.Size())
	d.mu.Unlock()

	if d.store == nil {
		return nil
	}
	if err := d.store.MarkProcessed(context.WithoutCancel(ctx), eventType, key, agreementID, result); err != nil {
		return fmt.Errorf("mark processed %s: %w", ck, err)
	}
	return nil
}

// Release drops a claim without recording it, so the request may be retried.
// Used when nothing reached the ledger.
func (d *Deduplicator) Release(eventType, key string) {
	d.mu.Lock()
	delete(d.inFlight, compositeKey(eventType, key))
	d.mu.Unlock()
}

// Warm loads recently processed keys from the store into the LRU.
func (d *Deduplicator) Warm(ctx context.Context, limit int) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	keys, err := d.store.RecentKeys(ctx, limit)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.lru.WarmFromKeys(keys)
	n := d.lru.Size()
	d.mu.Unlock()
	d.metrics.SetLRUSize(n)
	return len(keys), nil
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for composite idempotency keys.
// Not thread-safe; Deduplicator guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
