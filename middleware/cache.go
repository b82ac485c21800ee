package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
	"github.com/recera/modelkit/obs"
)

// CacheEntry is the stored value for one cache key: either a single-shot
// result or a recorded event sequence for stream replay, plus the insertion
// timestamp used for lazy TTL expiry.
type CacheEntry struct {
	Result   *core.TextResult
	Events   []core.Event
	StoredAt time.Time
}

// Store is the pluggable key-value backend for the caching middleware.
// A store only holds bytes-at-rest semantics; TTL is enforced by the
// middleware at read time. Stores shared across OS threads must provide
// their own locking.
type Store interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
}

// MemoryStore is the default in-memory Store, a mutex-guarded map.
// Concurrent writers to the same key race with last-write-wins; the cache
// does not deduplicate identical in-flight calls.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*CacheEntry)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete removes a key. Used by callers that want explicit invalidation.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CacheOpts configures the caching middleware.
type CacheOpts struct {
	// Store is the backing key-value store. Defaults to a fresh MemoryStore.
	Store Store
	// TTL is how long an entry stays valid. Zero means entries never expire.
	TTL time.Duration
	// CacheStreams enables recording and replaying streaming calls.
	// Only streams that terminate with a finish event are stored.
	CacheStreams bool
}

// cacheKeyRequest is the normalized shape hashed into a cache key.
// RequestID and Metadata are excluded: they vary per call without changing
// what the model would produce.
type cacheKeyRequest struct {
	Provider        string                `json:"provider"`
	ModelID         string                `json:"model_id"`
	Model           string                `json:"model,omitempty"`
	Messages        []core.Message        `json:"messages"`
	Temperature     *float32              `json:"temperature,omitempty"`
	MaxTokens       int                   `json:"max_tokens,omitempty"`
	Tools           []core.ToolDefinition `json:"tools,omitempty"`
	ProviderOptions map[string]any        `json:"provider_options,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
}

// CacheKey computes the deterministic key for a request against a model
// identity. The key is a pure function of (provider, model id, normalized
// params); no environment state leaks in.
func CacheKey(provider, modelID string, req core.Request) string {
	data, err := json.Marshal(cacheKeyRequest{
		Provider:        provider,
		ModelID:         modelID,
		Model:           req.Model,
		Messages:        req.Messages,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		Tools:           req.Tools,
		ProviderOptions: req.ProviderOptions,
		Stream:          req.Stream,
	})
	if err != nil {
		// Marshal failure means an unhashable request; an empty key is
		// never stored so the call degrades to a miss.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WithCache creates middleware that returns stored results for repeated
// identical requests within the TTL window.
//
// Caching is best-effort: any store failure is treated as a miss, never as
// a call failure. Expiry is checked lazily at read time; there is no
// background sweep.
func WithCache(opts CacheOpts) Middleware {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	lookup := func(ctx context.Context, key string) *CacheEntry {
		if key == "" {
			return nil
		}
		entry, ok, err := store.Get(ctx, key)
		if err != nil || !ok || entry == nil {
			obs.RecordCacheHit(ctx, "generation", false)
			return nil
		}
		if opts.TTL > 0 && time.Since(entry.StoredAt) > opts.TTL {
			obs.RecordCacheHit(ctx, "generation", false)
			return nil
		}
		obs.RecordCacheHit(ctx, "generation", true)
		return entry
	}

	save := func(ctx context.Context, key string, entry *CacheEntry) {
		if key == "" {
			return
		}
		entry.StoredAt = time.Now()
		// Store failures are swallowed: the caller already has the result.
		_ = store.Set(ctx, key, entry)
	}

	keyFor := func(ctx context.Context, req core.Request) string {
		info, _ := InfoFromContext(ctx)
		return CacheKey(info.Provider, info.ModelID, req)
	}

	return Middleware{
		Name: "cache",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			key := keyFor(ctx, req)
			if entry := lookup(ctx, key); entry != nil && entry.Result != nil {
				return entry.Result, nil
			}

			result, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			save(ctx, key, &CacheEntry{Result: result})
			return result, nil
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			if !opts.CacheStreams {
				return next(ctx, req)
			}

			key := keyFor(ctx, req)
			if entry := lookup(ctx, key); entry != nil && len(entry.Events) > 0 {
				return newReplayStream(entry.Events), nil
			}

			source, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			return newRecordingStream(ctx, source, func(events []core.Event) {
				save(ctx, key, &CacheEntry{Events: events})
			}), nil
		},
	}
}

// replayStream emits a recorded event sequence as a TextStream.
type replayStream struct {
	events    chan core.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newReplayStream(recorded []core.Event) *replayStream {
	s := &replayStream{
		events: make(chan core.Event),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		for _, ev := range recorded {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *replayStream) Events() <-chan core.Event { return s.events }

func (s *replayStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// recordingStream forwards a source stream while recording its events.
// The recording is committed only when the source ends with a finish event;
// errored or abandoned streams are not stored.
type recordingStream struct {
	source    core.TextStream
	events    chan core.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newRecordingStream(ctx context.Context, source core.TextStream, commit func([]core.Event)) *recordingStream {
	s := &recordingStream{
		source: source,
		events: make(chan core.Event),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		var recorded []core.Event
		finished := false
		for ev := range source.Events() {
			recorded = append(recorded, ev)
			if ev.Type == core.EventFinish {
				finished = true
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if finished {
			commit(recorded)
		}
	}()
	return s
}

func (s *recordingStream) Events() <-chan core.Event { return s.events }

func (s *recordingStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.source.Close()
}
