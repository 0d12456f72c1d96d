package phaseconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// CacheTTL is the loader's cache lifetime, per SPEC_FULL.md §4.A.
const CacheTTL = 5 * time.Minute

// Cache is the minimal TTL-cache contract the loader depends on. The
// concrete production implementation is internal/cache's Redis-backed TTL
// cache (component N); tests may supply an in-memory fake.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// memCache is a trivial in-process Cache used when no external cache is
// configured — mirrors the in-memory fallback the teacher's RedisCache
// keeps for when Redis is unavailable.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
}

func (m *memCache) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Loader reads declarative phase descriptors (one TOML file per phase,
// phases/<phase>.toml) from Dir, validates them, and derives PhasePlans.
// Loads are cached for CacheTTL so repeated derive_plan calls within a
// phase's lifetime do not re-read or re-validate the file.
type Loader struct {
	Dir   string
	cache Cache
}

// NewLoader constructs a Loader rooted at dir. A nil cache falls back to an
// in-process map, matching the cache-optional posture of the rest of the
// ambient stack.
func NewLoader(dir string, cache Cache) *Loader {
	if cache == nil {
		cache = newMemCache()
	}
	return &Loader{Dir: dir, cache: cache}
}

func configCacheKey(phaseID string) string {
	return "phaseconfig:" + phaseID
}

// Load reads and validates the descriptor for phaseID, using the TTL cache
// when warm. Two loads of the same file within the TTL return byte-for-byte
// equal PhaseConfig values.
func (l *Loader) Load(ctx context.Context, phaseID string) (*PhaseConfig, error) {
	key := configCacheKey(phaseID)
	if raw, ok := l.cache.Get(ctx, key); ok {
		cfg, err := decodeConfig(raw)
		if err == nil {
			if cfg.Phase == "" {
				cfg.Phase = phaseID
			}
			return cfg, nil
		}
		// Cached bytes are corrupt — fall through to a fresh read.
	}

	path := filepath.Join(l.Dir, phaseID+".toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFoundErr(path)
		}
		return nil, fmt.Errorf("phaseconfig: reading %s: %w", path, err)
	}

	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, parseErr(path, err)
	}
	if cfg.Phase == "" {
		cfg.Phase = phaseID
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	l.cache.Set(ctx, key, data, CacheTTL)
	return cfg, nil
}

func decodeConfig(data []byte) (*PhaseConfig, error) {
	var cfg PhaseConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Invalidate evicts a cached descriptor, e.g. in response to an fsnotify
// change event on its source file.
func (l *Loader) Invalidate(ctx context.Context, phaseID string) {
	l.cache.Delete(ctx, configCacheKey(phaseID))
}

// DerivePlan loads phaseID's PhaseConfig and materializes its PhasePlan:
// splitting allowlisted_tools into tools/guards by prefix and computing the
// deterministic replay hash. run_context is accepted for interface
// stability (a future phase plan may parameterize agents by run) but is
// unused by the deterministic core.
func (l *Loader) DerivePlan(ctx context.Context, phaseID string, _ map[string]interface{}) (*PhasePlan, error) {
	cfg, err := l.Load(ctx, phaseID)
	if err != nil {
		return nil, err
	}

	var tools, guards []string
	for _, t := range cfg.AllowlistedTools {
		switch {
		case hasPrefix(t, "tool."):
			tools = append(tools, t)
		case hasPrefix(t, "guard."):
			guards = append(guards, t)
		}
	}

	hash, err := deriveHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("phaseconfig: deriving hash: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}

	return &PhasePlan{
		Phase:   cfg.Phase,
		Config:  *cfg,
		Tools:   tools,
		Guards:  guards,
		Hash:    hash,
		Version: version,
	}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
