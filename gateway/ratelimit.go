package gateway

import (
	"sync"
	"time"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
)

// RateLimiter per-client fixed-window admission control. Allow is a pure
// admission decision; rejected requests are simply denied, the caller decides
// the user-visible consequence.
type RateLimiter interface {
	// Allow whether one more event from this key is admitted within the
	// current window. The ceiling is inclusive; the call pushing the count
	// past it is rejected.
	Allow(key string) bool
	// Forget drop the window state of a key once its client goes away
	Forget(key string)
}

// rateWindow per-key admission window state
type rateWindow struct {
	count   int
	resetAt time.Time
}

// rateLimiterImpl implements RateLimiter
type rateLimiterImpl struct {
	common.Component
	lock      sync.Mutex
	maxEvents int
	window    time.Duration
	entries   map[string]*rateWindow
	nowFn     func() time.Time
}

// GetRateLimiter define a new RateLimiter admitting up to maxEvents per key
// per window
func GetRateLimiter(instance string, maxEvents int, window time.Duration) (
	RateLimiter, error,
) {
	logTags := log.Fields{
		"module": "gateway", "component": "rate-limiter", "instance": instance,
	}
	return &rateLimiterImpl{
		Component: common.Component{LogTags: logTags},
		maxEvents: maxEvents,
		window:    window,
		entries:   make(map[string]*rateWindow),
		nowFn:     time.Now,
	}, nil
}

// Allow whether one more event from this key is admitted
func (l *rateLimiterImpl) Allow(key string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := l.nowFn()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = &rateWindow{count: 1, resetAt: now.Add(l.window)}
		return l.maxEvents >= 1
	}
	entry.count++
	if entry.count > l.maxEvents {
		log.WithFields(l.LogTags).Debugf("Rejected '%s': %d in window", key, entry.count)
		return false
	}
	return true
}

// Forget drop the window state of a key. Called when the owning connection
// goes away so the map does not accumulate dead keys.
func (l *rateLimiterImpl) Forget(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.entries, key)
}
