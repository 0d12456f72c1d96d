package modelrouter

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters keeps one *rate.Limiter per model_id, replacing the teacher's
// hand-rolled rateLimiter struct in internal/ai/router.go with the real
// library the teacher already depends on (golang.org/x/time) but never
// imports directly.
type limiters struct {
	mu       sync.Mutex
	byModel  map[string]*rate.Limiter
	defaultR rate.Limit
	defaultB int
}

func newLimiters(defaultRPS float64, defaultBurst int) *limiters {
	return &limiters{
		byModel:  make(map[string]*rate.Limiter),
		defaultR: rate.Limit(defaultRPS),
		defaultB: defaultBurst,
	}
}

func (l *limiters) forModel(modelID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byModel[modelID]
	if !ok {
		lim = rate.NewLimiter(l.defaultR, l.defaultB)
		l.byModel[modelID] = lim
	}
	return lim
}

// Allow reports whether a call to modelID may proceed now, consuming a
// token if so.
func (l *limiters) Allow(modelID string) bool {
	return l.forModel(modelID).Allow()
}

// SetLimit overrides the configured rate for a specific model, e.g. from
// a per-backend throttle tier.
func (l *limiters) SetLimit(modelID string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byModel[modelID] = rate.NewLimiter(rate.Limit(rps), burst)
}
