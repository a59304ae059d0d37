package gateway

import (
	"sync"
	"time"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// SubscriptionRegistry owns visitor ID to subscriber mappings. Each entry is a
// (visitor, connection, last heartbeat) triple; multiple dashboards may watch
// the same visitor. Disconnects remove a connection's triples synchronously;
// the periodic stale sweep is only a backstop for missed disconnect events.
type SubscriptionRegistry interface {
	// Subscribe add or refresh a subscription of a connection to a visitor.
	// The visitor ID must be a well-formed UUID.
	Subscribe(visitorID, connectionID string) error
	// Unsubscribe remove one subscription. The visitor key is deleted once
	// its set becomes empty.
	Unsubscribe(visitorID, connectionID string)
	// DropConnection remove every subscription owned by a connection
	DropConnection(connectionID string)
	// Heartbeat refresh last heartbeat on every subscription owned by a
	// connection
	Heartbeat(connectionID string)
	// SubscribersOf list connection IDs currently subscribed to a visitor
	SubscribersOf(visitorID string) []string
	// SweepStale evict every triple whose last heartbeat is older than the
	// staleness threshold. Returns the number of evicted triples.
	SweepStale(now time.Time) int
	// SubscriptionCount total number of subscription triples
	SubscriptionCount() int
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	lock sync.RWMutex
	// byVisitor visitor ID => connection ID => last heartbeat
	byVisitor map[string]map[string]time.Time
	// byConnection connection ID => set of visitor IDs, for O(1) heartbeat
	// refresh and disconnect cleanup
	byConnection map[string]map[string]bool
	staleAfter   time.Duration
	nowFn        func() time.Time
}

// GetSubscriptionRegistry define a new SubscriptionRegistry. staleAfter is the
// staleness threshold; a triple missing heartbeats for longer is evicted by
// SweepStale.
func GetSubscriptionRegistry(instance string, staleAfter time.Duration) (
	SubscriptionRegistry, error,
) {
	logTags := log.Fields{
		"module": "gateway", "component": "subscription-registry", "instance": instance,
	}
	return &subscriptionRegistryImpl{
		Component:    common.Component{LogTags: logTags},
		byVisitor:    make(map[string]map[string]time.Time),
		byConnection: make(map[string]map[string]bool),
		staleAfter:   staleAfter,
		nowFn:        time.Now,
	}, nil
}

// Subscribe add or refresh a subscription of a connection to a visitor
func (r *subscriptionRegistryImpl) Subscribe(visitorID, connectionID string) error {
	if _, err := uuid.Parse(visitorID); err != nil {
		return common.NewValidationError("'%s' is not a valid visitor ID", visitorID)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	watchers, ok := r.byVisitor[visitorID]
	if !ok {
		watchers = make(map[string]time.Time)
		r.byVisitor[visitorID] = watchers
	}
	watchers[connectionID] = r.nowFn()
	visitors, ok := r.byConnection[connectionID]
	if !ok {
		visitors = make(map[string]bool)
		r.byConnection[connectionID] = visitors
	}
	visitors[visitorID] = true
	log.WithFields(r.LogTags).Debugf(
		"Connection %s subscribed to visitor %s", connectionID, visitorID,
	)
	return nil
}

// Unsubscribe remove one subscription
func (r *subscriptionRegistryImpl) Unsubscribe(visitorID, connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.removeTriple(visitorID, connectionID)
}

// removeTriple caller must hold the write lock
func (r *subscriptionRegistryImpl) removeTriple(visitorID, connectionID string) {
	if watchers, ok := r.byVisitor[visitorID]; ok {
		delete(watchers, connectionID)
		// A visitor key exists iff its subscription set is non-empty
		if len(watchers) == 0 {
			delete(r.byVisitor, visitorID)
		}
	}
	if visitors, ok := r.byConnection[connectionID]; ok {
		delete(visitors, visitorID)
		if len(visitors) == 0 {
			delete(r.byConnection, connectionID)
		}
	}
}

// DropConnection remove every subscription owned by a connection
func (r *subscriptionRegistryImpl) DropConnection(connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for visitorID := range r.byConnection[connectionID] {
		r.removeTriple(visitorID, connectionID)
	}
	log.WithFields(r.LogTags).Debugf("Dropped all subscriptions of connection %s", connectionID)
}

// Heartbeat refresh last heartbeat on every subscription owned by a connection
func (r *subscriptionRegistryImpl) Heartbeat(connectionID string) {
	now := r.nowFn()
	r.lock.Lock()
	defer r.lock.Unlock()
	for visitorID := range r.byConnection[connectionID] {
		if watchers, ok := r.byVisitor[visitorID]; ok {
			watchers[connectionID] = now
		}
	}
}

// SubscribersOf list connection IDs currently subscribed to a visitor
func (r *subscriptionRegistryImpl) SubscribersOf(visitorID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.byVisitor[visitorID]))
	for connectionID := range r.byVisitor[visitorID] {
		result = append(result, connectionID)
	}
	return result
}

// SweepStale evict every triple whose last heartbeat is older than the
// staleness threshold
func (r *subscriptionRegistryImpl) SweepStale(now time.Time) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	type staleTriple struct {
		visitorID    string
		connectionID string
	}
	stale := []staleTriple{}
	for visitorID, watchers := range r.byVisitor {
		for connectionID, lastHeartbeat := range watchers {
			if now.Sub(lastHeartbeat) > r.staleAfter {
				stale = append(stale, staleTriple{visitorID: visitorID, connectionID: connectionID})
			}
		}
	}
	for _, entry := range stale {
		r.removeTriple(entry.visitorID, entry.connectionID)
	}
	if len(stale) > 0 {
		log.WithFields(r.LogTags).Infof("Swept %d stale subscriptions", len(stale))
	}
	return len(stale)
}

// SubscriptionCount total number of subscription triples
func (r *subscriptionRegistryImpl) SubscriptionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	total := 0
	for _, watchers := range r.byVisitor {
		total += len(watchers)
	}
	return total
}
