// Copyright 2021-2022 The vistrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/vistrack/common"
	"github.com/alwitt/vistrack/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// BackplaneMessage one update crossing the process boundary. Every gateway
// process receives every message and filters against its own registries.
type BackplaneMessage struct {
	// TenantID the company room this update is scoped to
	TenantID string `json:"tenantId" validate:"required"`
	// VisitorID when set, the update targets this visitor's subscribers
	// instead of the whole tenant room
	VisitorID string `json:"visitorId,omitempty"`
	// Event outbound event name delivered to clients
	Event string `json:"event" validate:"required"`
	// Payload pre-encoded event payload
	Payload json.RawMessage `json:"payload,omitempty"`
	// PublishedBy instance name of the publishing process, for tracing
	PublishedBy string `json:"publishedBy,omitempty"`
}

// BackplaneHandlerCB callback invoked for every backplane message, including
// messages published by this process
type BackplaneHandlerCB func(msg BackplaneMessage)

// Backplane cross-process publish / subscribe fan-out. Messages published by
// one process are delivered to all processes in publish order; there is no
// ordering across publishers and no durability.
type Backplane interface {
	// Publish broadcast one message to every gateway process
	Publish(msg BackplaneMessage) error
	// Listen register the local delivery callback and begin receiving
	Listen(handler BackplaneHandlerCB) error
	// Stop stop receiving backplane messages
	Stop() error
}

// ========================================================================================
// NATS backed Backplane

// natsBackplaneImpl implements Backplane over core NATS pub / sub
type natsBackplaneImpl struct {
	common.Component
	client        core.NatsClient
	subjectPrefix string
	instance      string
	lock          sync.Mutex
	subscription  *nats.Subscription
}

// GetNatsBackplane define a Backplane over a NATS client. One subject per
// tenant under subjectPrefix; NATS delivers messages of one subscription in
// order, which carries the per-publisher ordering guarantee.
func GetNatsBackplane(
	client core.NatsClient, subjectPrefix, instance string,
) (Backplane, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "nats-backplane",
		"instance":  instance,
	}
	return &natsBackplaneImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
		instance:      instance,
	}, nil
}

// Publish broadcast one message to every gateway process
func (b *natsBackplaneImpl) Publish(msg BackplaneMessage) error {
	msg.PublishedBy = b.instance
	encoded, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to encode backplane message")
		return err
	}
	subject := fmt.Sprintf("%s.tenant.%s", b.subjectPrefix, msg.TenantID)
	if err := b.client.NATS().Publish(subject, encoded); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Publish on %s failed", subject)
		return err
	}
	return nil
}

// Listen register the local delivery callback and begin receiving
func (b *natsBackplaneImpl) Listen(handler BackplaneHandlerCB) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.subscription != nil {
		return fmt.Errorf("backplane already listening")
	}
	subject := fmt.Sprintf("%s.tenant.>", b.subjectPrefix)
	sub, err := b.client.NATS().Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg BackplaneMessage
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Discarding malformed message on %s", natsMsg.Subject,
			)
			return
		}
		handler(msg)
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Subscribe on %s failed", subject)
		return err
	}
	b.subscription = sub
	log.WithFields(b.LogTags).Infof("Listening on %s", subject)
	return nil
}

// Stop stop receiving backplane messages
func (b *natsBackplaneImpl) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.subscription == nil {
		return nil
	}
	err := b.subscription.Unsubscribe()
	b.subscription = nil
	return err
}

// ========================================================================================
// In-process Backplane

// memoryBackplaneImpl implements Backplane within one process. Used for
// single-node deployments and unit testing; delivery order matches publish
// order via a single dispatch loop.
type memoryBackplaneImpl struct {
	common.Component
	lock     sync.Mutex
	handlers []BackplaneHandlerCB
	messages chan BackplaneMessage
	done     chan bool
	started  bool
}

// GetMemoryBackplane define an in-process Backplane
func GetMemoryBackplane(instance string, buffer int) (Backplane, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "memory-backplane",
		"instance":  instance,
	}
	return &memoryBackplaneImpl{
		Component: common.Component{LogTags: logTags},
		messages:  make(chan BackplaneMessage, buffer),
		done:      make(chan bool),
	}, nil
}

// Publish broadcast one message to every registered handler
func (b *memoryBackplaneImpl) Publish(msg BackplaneMessage) error {
	b.messages <- msg
	return nil
}

// Listen register the local delivery callback and begin receiving
func (b *memoryBackplaneImpl) Listen(handler BackplaneHandlerCB) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers = append(b.handlers, handler)
	if b.started {
		return nil
	}
	b.started = true
	go func() {
		for {
			select {
			case <-b.done:
				return
			case msg := <-b.messages:
				b.lock.Lock()
				targets := make([]BackplaneHandlerCB, len(b.handlers))
				copy(targets, b.handlers)
				b.lock.Unlock()
				for _, target := range targets {
					target(msg)
				}
			}
		}
	}()
	return nil
}

// Stop stop receiving backplane messages
func (b *memoryBackplaneImpl) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	close(b.done)
	return nil
}
