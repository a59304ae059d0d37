package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// initialActivityLimit how many recent activities a new subscriber receives
const initialActivityLimit = 50

// VisitorHandler processes inbound visitor identification and subscription
// events
type VisitorHandler interface {
	// HandleIdentificationEvent record an identifying attribute against a
	// visitor. Enrichment is best-effort; an open breaker or timeout degrades
	// gracefully instead of failing the identification.
	HandleIdentificationEvent(
		ctxt context.Context, conn *Connection, payload json.RawMessage,
	) error
	// SubscribeToVisitor register the connection as a watcher of a visitor
	// and deliver the initial activity snapshot to it
	SubscribeToVisitor(ctxt context.Context, conn *Connection, payload json.RawMessage) error
	// UnsubscribeFromVisitor remove the connection's subscription to a visitor
	UnsubscribeFromVisitor(conn *Connection, payload json.RawMessage) error
}

// visitorHandlerImpl implements VisitorHandler
type visitorHandlerImpl struct {
	common.Component
	visitors      VisitorStore
	activities    ActivityStore
	enricher      Enricher
	breaker       CircuitBreaker
	limiter       RateLimiter
	subscriptions SubscriptionRegistry
	backplane     Backplane
	metrics       *Metrics
	validate      *validator.Validate
}

// GetVisitorHandler define a new VisitorHandler
func GetVisitorHandler(
	visitors VisitorStore,
	activities ActivityStore,
	enricher Enricher,
	breaker CircuitBreaker,
	limiter RateLimiter,
	subscriptions SubscriptionRegistry,
	backplane Backplane,
	metrics *Metrics,
) (VisitorHandler, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "visitor-handler",
	}
	return &visitorHandlerImpl{
		Component:     common.Component{LogTags: logTags},
		visitors:      visitors,
		activities:    activities,
		enricher:      enricher,
		breaker:       breaker,
		limiter:       limiter,
		subscriptions: subscriptions,
		backplane:     backplane,
		metrics:       metrics,
		validate:      validator.New(),
	}, nil
}

// HandleIdentificationEvent record an identifying attribute against a visitor
func (h *visitorHandlerImpl) HandleIdentificationEvent(
	ctxt context.Context, conn *Connection, payload json.RawMessage,
) error {
	var request IdentifyEventRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		conn.SendError(EventError, ErrCodeInvalidPayload, "malformed identification payload")
		h.metrics.ObserveEvent(EventVisitorIdentify, "invalid")
		return common.NewValidationError("malformed identification payload: %s", err)
	}
	if err := h.validate.Struct(&request); err != nil {
		conn.SendError(EventError, ErrCodeInvalidPayload, err.Error())
		h.metrics.ObserveEvent(EventVisitorIdentify, "invalid")
		return common.NewValidationError("invalid identification payload: %s", err)
	}

	if !h.limiter.Allow(conn.ID) {
		conn.SendError(EventError, ErrCodeRateLimited, "too many events, back off")
		h.metrics.RateLimitRejections.Inc()
		h.metrics.ObserveEvent(EventVisitorIdentify, "rate_limited")
		return common.RateLimitError{Key: conn.ID}
	}

	visitor, err := h.visitors.Identify(ctxt, request.VisitorID, request.Email)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Errorf(
			"Identification failed for visitor %s", request.VisitorID,
		)
		conn.SendError(EventError, ErrCodeDependency, "unable to update visitor identity")
		h.metrics.ObserveEvent(EventVisitorIdentify, "failure")
		return common.DependencyError{Dependency: "visitor-store", Cause: err}
	}

	// Enrichment is best-effort. An open breaker, a timeout, or a CRM failure
	// only costs the enrichment data.
	var enriched EnrichedData
	if err := h.breaker.Exec(ctxt, func(callCtxt context.Context) error {
		result, enrichErr := h.enricher.Enrich(callCtxt, visitor)
		if enrichErr != nil {
			return enrichErr
		}
		enriched = result
		return nil
	}); err != nil {
		enriched = nil
		if common.IsCircuitOpen(err) {
			log.WithFields(conn.LogTags).Debugf(
				"Enrichment skipped for visitor %s, breaker open", visitor.ID,
			)
		} else if errors.Is(err, context.DeadlineExceeded) {
			log.WithFields(conn.LogTags).Warnf("Enrichment timed out for visitor %s", visitor.ID)
		} else {
			log.WithError(err).WithFields(conn.LogTags).Warnf(
				"Enrichment failed for visitor %s", visitor.ID,
			)
		}
	}

	if enriched != nil {
		updated, err := h.visitors.UpdateStatus(ctxt, visitor.ID, VisitorStatusEnriched)
		if err != nil {
			log.WithError(err).WithFields(conn.LogTags).Errorf(
				"Unable to persist enriched status of visitor %s", visitor.ID,
			)
		} else {
			visitor = updated
		}
	}

	report := VisitorIdentifiedReport{
		ID: visitor.ID, Status: visitor.Status, EnrichedData: enriched,
	}
	encoded, err := json.Marshal(&report)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Unable to encode identified report")
		return err
	}
	if err := h.backplane.Publish(BackplaneMessage{
		TenantID: conn.TenantID,
		Event:    EventVisitorIdentified,
		Payload:  encoded,
	}); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Identified broadcast failed")
		return err
	}
	h.metrics.ObserveEvent(EventVisitorIdentify, "success")
	return nil
}

// SubscribeToVisitor register the connection as a watcher of a visitor
func (h *visitorHandlerImpl) SubscribeToVisitor(
	ctxt context.Context, conn *Connection, payload json.RawMessage,
) error {
	visitorID, err := parseSubscribeTarget(payload)
	if err != nil {
		conn.SendError(EventSubscriptionError, ErrCodeInvalidPayload, err.Error())
		h.metrics.ObserveEvent(EventSubscribeVisitor, "invalid")
		return err
	}

	if err := h.subscriptions.Subscribe(visitorID, conn.ID); err != nil {
		conn.SendError(EventSubscriptionError, ErrCodeInvalidPayload, err.Error())
		h.metrics.ObserveEvent(EventSubscribeVisitor, "invalid")
		return err
	}
	h.metrics.ActiveSubscriptions.Set(float64(h.subscriptions.SubscriptionCount()))

	// The snapshot goes to the requesting connection only. The subscription
	// stays live even if the snapshot fetch fails.
	recent, err := h.activities.Recent(ctxt, visitorID, initialActivityLimit)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Errorf(
			"Unable to fetch initial activities of visitor %s", visitorID,
		)
		conn.SendError(EventSubscriptionError, ErrCodeDependency, "unable to fetch recent activities")
		h.metrics.ObserveEvent(EventSubscribeVisitor, "failure")
		return common.DependencyError{Dependency: "activity-store", Cause: err}
	}
	if recent == nil {
		recent = []Activity{}
	}
	if err := conn.SendEvent(EventInitialActivities, recent); err != nil {
		return err
	}
	h.metrics.ObserveEvent(EventSubscribeVisitor, "success")
	return nil
}

// UnsubscribeFromVisitor remove the connection's subscription to a visitor
func (h *visitorHandlerImpl) UnsubscribeFromVisitor(
	conn *Connection, payload json.RawMessage,
) error {
	visitorID, err := parseSubscribeTarget(payload)
	if err != nil {
		conn.SendError(EventSubscriptionError, ErrCodeInvalidPayload, err.Error())
		h.metrics.ObserveEvent(EventUnsubscribeVisitor, "invalid")
		return err
	}
	h.subscriptions.Unsubscribe(visitorID, conn.ID)
	h.metrics.ActiveSubscriptions.Set(float64(h.subscriptions.SubscriptionCount()))
	h.metrics.ObserveEvent(EventUnsubscribeVisitor, "success")
	return nil
}

// parseSubscribeTarget a subscribe / unsubscribe payload is either a bare
// visitor ID string or an object carrying one
func parseSubscribeTarget(payload json.RawMessage) (string, error) {
	var visitorID string
	if err := json.Unmarshal(payload, &visitorID); err == nil {
		return visitorID, nil
	}
	var request SubscribeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return "", common.NewValidationError("malformed subscription payload: %s", err)
	}
	return request.VisitorID, nil
}
