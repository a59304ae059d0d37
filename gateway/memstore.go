package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory collaborator implementations for local development and testing.
// Production deployments wire real persistence, CRM, and auth services here.

// memActivityStore implements ActivityStore in memory
type memActivityStore struct {
	lock       sync.Mutex
	byVisitor  map[string][]Activity
	maxHistory int
}

// GetMemActivityStore define an in-memory ActivityStore keeping up to
// maxHistory activities per visitor
func GetMemActivityStore(maxHistory int) ActivityStore {
	return &memActivityStore{
		byVisitor:  make(map[string][]Activity),
		maxHistory: maxHistory,
	}
}

// Track persist one activity
func (s *memActivityStore) Track(
	_ context.Context, visitorID, activityType string, data map[string]interface{},
) (Activity, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	activity := Activity{
		ID:         uuid.New().String(),
		VisitorID:  visitorID,
		Type:       activityType,
		Data:       data,
		RecordedAt: time.Now(),
	}
	history := append(s.byVisitor[visitorID], activity)
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	s.byVisitor[visitorID] = history
	return activity, nil
}

// Recent fetch up to limit most recent activities, newest first
func (s *memActivityStore) Recent(
	_ context.Context, visitorID string, limit int,
) ([]Activity, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	history := s.byVisitor[visitorID]
	result := make([]Activity, len(history))
	copy(result, history)
	sort.Slice(result, func(i, j int) bool {
		return result[i].RecordedAt.After(result[j].RecordedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// memVisitorStore implements VisitorStore in memory
type memVisitorStore struct {
	lock     sync.Mutex
	visitors map[string]Visitor
}

// GetMemVisitorStore define an in-memory VisitorStore
func GetMemVisitorStore() VisitorStore {
	return &memVisitorStore{visitors: make(map[string]Visitor)}
}

// Identify record an identifying attribute against a visitor
func (s *memVisitorStore) Identify(
	_ context.Context, visitorID, email string,
) (Visitor, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	visitor, ok := s.visitors[visitorID]
	if !ok {
		visitor = Visitor{ID: visitorID}
	}
	visitor.Email = email
	visitor.Status = VisitorStatusIdentified
	s.visitors[visitorID] = visitor
	return visitor, nil
}

// UpdateStatus update a visitor's status
func (s *memVisitorStore) UpdateStatus(
	_ context.Context, visitorID, status string,
) (Visitor, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	visitor, ok := s.visitors[visitorID]
	if !ok {
		return Visitor{}, fmt.Errorf("visitor '%s' is unknown", visitorID)
	}
	visitor.Status = status
	s.visitors[visitorID] = visitor
	return visitor, nil
}

// staticAuthVerifier implements AuthVerifier against a fixed token => user map
type staticAuthVerifier struct {
	tokens map[string]string
}

// GetStaticAuthVerifier define an AuthVerifier accepting a fixed token set
func GetStaticAuthVerifier(tokens map[string]string) AuthVerifier {
	return &staticAuthVerifier{tokens: tokens}
}

// Verify check a token
func (v *staticAuthVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return "", fmt.Errorf("unknown token")
	}
	return userID, nil
}

// noopEnricher implements Enricher returning no data
type noopEnricher struct{}

// GetNoopEnricher define an Enricher returning empty enrichment data
func GetNoopEnricher() Enricher {
	return noopEnricher{}
}

// Enrich fetch CRM enrichment data
func (noopEnricher) Enrich(_ context.Context, _ Visitor) (EnrichedData, error) {
	return EnrichedData{}, nil
}
