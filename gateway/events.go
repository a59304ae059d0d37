package gateway

import (
	"encoding/json"
)

// Inbound event names
const (
	EventAuth               = "auth"
	EventVisitorActivity    = "visitor:activity"
	EventVisitorIdentify    = "visitor:identify"
	EventSubscribeVisitor   = "subscribe:visitor"
	EventUnsubscribeVisitor = "unsubscribe:visitor"
	EventHeartbeat          = "heartbeat"
)

// Outbound event names
const (
	EventVisitorUpdate     = "visitor:update"
	EventActivityUpdate    = "activity_update"
	EventVisitorIdentified = "visitor:identified"
	EventInitialActivities = "initial_activities"
	EventError             = "error"
	EventActivityError     = "activity_error"
	EventSubscriptionError = "subscription_error"
)

// Error codes reported to clients
const (
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnknownEvent   = "unknown_event"
	ErrCodeDependency     = "dependency_failure"
)

// EventFrame envelope for every frame crossing the client transport
type EventFrame struct {
	Event   string          `json:"event" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest payload of an "auth" frame
type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

// ActivityEventRequest payload of a "visitor:activity" frame
type ActivityEventRequest struct {
	VisitorID string                 `json:"visitorId" validate:"required,uuid"`
	Type      string                 `json:"type" validate:"required,oneof=pageview click scroll form_submit custom"`
	Data      map[string]interface{} `json:"data" validate:"required"`
}

// IdentifyEventRequest payload of a "visitor:identify" frame
type IdentifyEventRequest struct {
	VisitorID string `json:"visitorId" validate:"required,uuid"`
	Email     string `json:"email" validate:"required,email"`
}

// SubscribeRequest payload of a "subscribe:visitor" / "unsubscribe:visitor" frame
type SubscribeRequest struct {
	VisitorID string `json:"visitorId" validate:"required,uuid"`
}

// VisitorIdentifiedReport payload of a "visitor:identified" frame
type VisitorIdentifiedReport struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	EnrichedData EnrichedData `json:"enrichedData,omitempty"`
}

// ErrorReport payload of an error frame sent to the originating connection
type ErrorReport struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
