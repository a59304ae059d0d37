package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
)

// EventRouter validates inbound frames and dispatches them to the handlers.
// The transport read loop calls ProcessFrame synchronously, so events of one
// connection are processed in arrival order.
type EventRouter interface {
	// ProcessFrame decode and dispatch one inbound frame
	ProcessFrame(ctxt context.Context, conn *Connection, raw []byte) error
}

// eventRouterImpl implements EventRouter
type eventRouterImpl struct {
	common.Component
	activityHandler ActivityHandler
	visitorHandler  VisitorHandler
	subscriptions   SubscriptionRegistry
	metrics         *Metrics
}

// GetEventRouter define a new EventRouter
func GetEventRouter(
	activityHandler ActivityHandler,
	visitorHandler VisitorHandler,
	subscriptions SubscriptionRegistry,
	metrics *Metrics,
) (EventRouter, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "event-router",
	}
	return &eventRouterImpl{
		Component:       common.Component{LogTags: logTags},
		activityHandler: activityHandler,
		visitorHandler:  visitorHandler,
		subscriptions:   subscriptions,
		metrics:         metrics,
	}, nil
}

// ProcessFrame decode and dispatch one inbound frame
func (r *eventRouterImpl) ProcessFrame(
	ctxt context.Context, conn *Connection, raw []byte,
) error {
	var frame EventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		conn.SendError(EventError, ErrCodeInvalidPayload, "malformed frame")
		return common.NewValidationError("malformed frame: %s", err)
	}

	var err error
	switch frame.Event {
	case EventVisitorActivity:
		err = r.activityHandler.HandleActivityEvent(ctxt, conn, frame.Payload)
	case EventVisitorIdentify:
		err = r.visitorHandler.HandleIdentificationEvent(ctxt, conn, frame.Payload)
	case EventSubscribeVisitor:
		err = r.visitorHandler.SubscribeToVisitor(ctxt, conn, frame.Payload)
	case EventUnsubscribeVisitor:
		err = r.visitorHandler.UnsubscribeFromVisitor(conn, frame.Payload)
	case EventHeartbeat:
		r.subscriptions.Heartbeat(conn.ID)
	default:
		conn.SendError(EventError, ErrCodeUnknownEvent, "unrecognized event")
		return common.NewValidationError("unrecognized event '%s'", frame.Event)
	}

	if err != nil {
		// Client-attributed errors were already reported to the originating
		// connection and are not system faults
		var validationErr common.ValidationError
		var rateLimitErr common.RateLimitError
		if errors.As(err, &validationErr) || errors.As(err, &rateLimitErr) {
			log.WithFields(conn.LogTags).Debugf("Rejected %s: %s", frame.Event, err)
		} else {
			log.WithError(err).WithFields(conn.LogTags).Errorf("Processing %s failed", frame.Event)
		}
	}
	return err
}
