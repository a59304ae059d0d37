package gateway

import (
	"encoding/json"
	"time"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// MessageSink write surface of one client transport session. The gateway
// only ever pushes frames through it; the transport owns buffering and close.
type MessageSink interface {
	// SendFrame queue one frame for delivery to the client
	SendFrame(frame EventFrame) error
	// Close tear down the transport session
	Close() error
}

// Connection a live, authenticated client connection. Owned by the
// ConnectionRegistry for its lifetime; handlers receive a reference only for
// the scope of one event.
type Connection struct {
	common.Component
	// ID opaque connection ID, unique per transport session
	ID string
	// TenantID the company this connection belongs to
	TenantID string
	// UserID the authenticated dashboard user
	UserID string
	// CorrelationID tags every log line for this connection's lifetime
	CorrelationID string
	// ConnectedAt when the connection was admitted
	ConnectedAt time.Time
	sink        MessageSink
}

// NewConnection define a new admitted connection around a transport session
func NewConnection(tenantID, userID string, sink MessageSink) *Connection {
	connID := uuid.New().String()
	correlationID := uuid.New().String()
	logTags := log.Fields{
		"module":         "gateway",
		"component":      "connection",
		"instance":       connID,
		"tenant":         tenantID,
		"correlation_id": correlationID,
	}
	return &Connection{
		Component:     common.Component{LogTags: logTags},
		ID:            connID,
		TenantID:      tenantID,
		UserID:        userID,
		CorrelationID: correlationID,
		ConnectedAt:   time.Now(),
		sink:          sink,
	}
}

// SendEvent push one event to this connection. Delivery is best-effort; a
// closed or congested transport drops the frame.
func (c *Connection) SendEvent(event string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to encode %s payload", event)
			return err
		}
		raw = encoded
	}
	return c.sink.SendFrame(EventFrame{Event: event, Payload: raw})
}

// SendFrame push one pre-encoded frame to this connection
func (c *Connection) SendFrame(frame EventFrame) error {
	return c.sink.SendFrame(frame)
}

// SendError report an error to this connection only
func (c *Connection) SendError(event, code, message string) {
	if err := c.SendEvent(event, ErrorReport{Message: message, Code: code}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Unable to deliver %s", event)
	}
}

// CloseTransport tear down the underlying transport session
func (c *Connection) CloseTransport() error {
	return c.sink.Close()
}
