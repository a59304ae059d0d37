package gateway

import (
	"context"
	"encoding/json"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ActivityHandler processes inbound visitor activity events
type ActivityHandler interface {
	// HandleActivityEvent validate and record one activity, then broadcast it
	// to the visitor's subscribers on every gateway process
	HandleActivityEvent(ctxt context.Context, conn *Connection, payload json.RawMessage) error
}

// activityHandlerImpl implements ActivityHandler
type activityHandlerImpl struct {
	common.Component
	activities ActivityStore
	limiter    RateLimiter
	backplane  Backplane
	metrics    *Metrics
	validate   *validator.Validate
}

// GetActivityHandler define a new ActivityHandler
func GetActivityHandler(
	activities ActivityStore,
	limiter RateLimiter,
	backplane Backplane,
	metrics *Metrics,
) (ActivityHandler, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "activity-handler",
	}
	return &activityHandlerImpl{
		Component:  common.Component{LogTags: logTags},
		activities: activities,
		limiter:    limiter,
		backplane:  backplane,
		metrics:    metrics,
		validate:   validator.New(),
	}, nil
}

// HandleActivityEvent validate and record one activity, then broadcast it
func (h *activityHandlerImpl) HandleActivityEvent(
	ctxt context.Context, conn *Connection, payload json.RawMessage,
) error {
	var request ActivityEventRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		conn.SendError(EventActivityError, ErrCodeInvalidPayload, "malformed activity payload")
		h.metrics.ObserveEvent(EventVisitorActivity, "invalid")
		return common.NewValidationError("malformed activity payload: %s", err)
	}
	if err := h.validate.Struct(&request); err != nil {
		conn.SendError(EventActivityError, ErrCodeInvalidPayload, err.Error())
		h.metrics.ObserveEvent(EventVisitorActivity, "invalid")
		return common.NewValidationError("invalid activity payload: %s", err)
	}

	if !h.limiter.Allow(conn.ID) {
		conn.SendError(EventActivityError, ErrCodeRateLimited, "too many events, back off")
		h.metrics.RateLimitRejections.Inc()
		h.metrics.ObserveEvent(EventVisitorActivity, "rate_limited")
		return common.RateLimitError{Key: conn.ID}
	}

	activity, err := h.activities.Track(ctxt, request.VisitorID, request.Type, request.Data)
	if err != nil {
		// No partial broadcast on store failure
		log.WithError(err).WithFields(conn.LogTags).Errorf(
			"Activity tracking failed for visitor %s", request.VisitorID,
		)
		conn.SendError(EventActivityError, ErrCodeDependency, "unable to record activity")
		h.metrics.ObserveEvent(EventVisitorActivity, "failure")
		return common.DependencyError{Dependency: "activity-store", Cause: err}
	}

	encoded, err := json.Marshal(&activity)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Unable to encode activity")
		return err
	}
	if err := h.backplane.Publish(BackplaneMessage{
		TenantID:  conn.TenantID,
		VisitorID: activity.VisitorID,
		Event:     EventActivityUpdate,
		Payload:   encoded,
	}); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Activity broadcast failed")
		return err
	}
	h.metrics.ObserveEvent(EventVisitorActivity, "success")
	return nil
}
