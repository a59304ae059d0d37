package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// testSink MessageSink recording every frame pushed to it
type testSink struct {
	lock   sync.Mutex
	frames []EventFrame
	closed bool
}

func (s *testSink) SendFrame(frame EventFrame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *testSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *testSink) framesOf(event string) []EventFrame {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []EventFrame{}
	for _, frame := range s.frames {
		if frame.Event == event {
			result = append(result, frame)
		}
	}
	return result
}

func (s *testSink) frameCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.frames)
}

// waitForFrame poll until the sink holds a frame of this event, or time out
func (s *testSink) waitForFrame(event string, timeout time.Duration) (EventFrame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := s.framesOf(event); len(frames) > 0 {
			return frames[0], true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return EventFrame{}, false
}

// failingActivityStore ActivityStore whose every call fails
type failingActivityStore struct{}

func (failingActivityStore) Track(
	_ context.Context, _, _ string, _ map[string]interface{},
) (Activity, error) {
	return Activity{}, fmt.Errorf("store offline")
}

func (failingActivityStore) Recent(_ context.Context, _ string, _ int) ([]Activity, error) {
	return nil, fmt.Errorf("store offline")
}

// scriptedEnricher Enricher driven by the test
type scriptedEnricher struct {
	lock  sync.Mutex
	calls int
	// fail every call with this error when set
	err error
	// block until the call context expires when set
	hang bool
	data EnrichedData
}

func (e *scriptedEnricher) Enrich(ctxt context.Context, _ Visitor) (EnrichedData, error) {
	e.lock.Lock()
	e.calls++
	err := e.err
	hang := e.hang
	data := e.data
	e.lock.Unlock()
	if hang {
		<-ctxt.Done()
		return nil, ctxt.Err()
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *scriptedEnricher) callCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.calls
}

// testMetrics fresh instruments on a private registry
func testMetrics() *Metrics {
	metrics, err := GetMetrics(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return metrics
}

// mustEncode JSON encode or die
func mustEncode(value interface{}) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return encoded
}
