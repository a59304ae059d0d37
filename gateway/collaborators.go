package gateway

import (
	"context"
	"time"
)

// Visitor a tracked website visitor
type Visitor struct {
	ID       string                 `json:"id" validate:"required,uuid"`
	Status   string                 `json:"status"`
	Email    string                 `json:"email,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Activity one recorded visitor activity
type Activity struct {
	ID         string                 `json:"id"`
	VisitorID  string                 `json:"visitorId" validate:"required,uuid"`
	Type       string                 `json:"type" validate:"required"`
	Data       map[string]interface{} `json:"data"`
	RecordedAt time.Time              `json:"recordedAt"`
}

// EnrichedData CRM enrichment result for an identified visitor
type EnrichedData map[string]interface{}

// Visitor status values persisted through VisitorStore
const (
	VisitorStatusIdentified = "identified"
	VisitorStatusEnriched   = "enriched"
)

// AuthVerifier validates connection auth tokens. Token issuance and
// verification internals live outside the gateway.
type AuthVerifier interface {
	// Verify check a token, returning the user ID it belongs to
	Verify(ctxt context.Context, token string) (string, error)
}

// ActivityStore persistence collaborator for visitor activities
type ActivityStore interface {
	// Track persist one activity, returning the stored record
	Track(
		ctxt context.Context, visitorID, activityType string, data map[string]interface{},
	) (Activity, error)
	// Recent fetch up to limit most recent activities of a visitor, newest first
	Recent(ctxt context.Context, visitorID string, limit int) ([]Activity, error)
}

// VisitorStore persistence collaborator for visitor identity
type VisitorStore interface {
	// Identify record an identifying attribute against a visitor
	Identify(ctxt context.Context, visitorID, email string) (Visitor, error)
	// UpdateStatus update a visitor's status
	UpdateStatus(ctxt context.Context, visitorID, status string) (Visitor, error)
}

// Enricher CRM enrichment collaborator. Slow and unreliable; always called
// through a circuit breaker.
type Enricher interface {
	// Enrich fetch CRM enrichment data for a visitor profile
	Enrich(ctxt context.Context, profile Visitor) (EnrichedData, error)
}
