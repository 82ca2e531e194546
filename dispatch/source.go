// Copyright 2023 The todopush Authors
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

package dispatch

import (
	"context"
	"encoding/json"

	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/core"
	"github.com/alwitt/todopush/events"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventSource consumes todo integration events off the message bus and hands
// them to an event dispatcher
type EventSource interface {
	// Start begin consuming integration events
	Start() error
	// Stop end all bus subscriptions
	Stop() error
}

// natsEventSourceImpl implements EventSource against NATS subjects
type natsEventSourceImpl struct {
	common.Component
	client        *core.NatsClient
	dispatcher    EventDispatcher
	validate      *validator.Validate
	subscriptions []*nats.Subscription
	rootContext   context.Context
}

// DefineNATSEventSource create new NATS backed event source
func DefineNATSEventSource(
	client *core.NatsClient, dispatcher EventDispatcher, rootCtxt context.Context,
) (EventSource, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "nats-event-source",
	}
	return &natsEventSourceImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		dispatcher:    dispatcher,
		validate:      validator.New(),
		subscriptions: make([]*nats.Subscription, 0, len(events.Kinds())),
		rootContext:   rootCtxt,
	}, nil
}

// Start begin consuming integration events, one subscription per event kind
func (s *natsEventSourceImpl) Start() error {
	for _, kind := range events.Kinds() {
		subject := kind.Subject()
		sub, err := s.client.Subscribe(subject, s.handleMessage)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to subscribe on %s", subject,
			)
			return err
		}
		s.subscriptions = append(s.subscriptions, sub)
		log.WithFields(s.LogTags).Infof("Consuming todo events on %s", subject)
	}
	return nil
}

// Stop end all bus subscriptions
func (s *natsEventSourceImpl) Stop() error {
	var lastErr error
	for _, sub := range s.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unsubscribe of %s failed", sub.Subject,
			)
			lastErr = err
		}
	}
	s.subscriptions = nil
	return lastErr
}

// handleMessage decode and dispatch one bus message. A bad message is logged
// and dropped; consumption continues.
func (s *natsEventSourceImpl) handleMessage(msg *nats.Msg) {
	var event events.TodoEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Undecodable message on %s", msg.Subject,
		)
		return
	}
	if err := s.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Malformed todo event on %s", msg.Subject,
		)
		return
	}
	if err := s.dispatcher.Dispatch(event, s.rootContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Dispatch of %s failed", event.String(),
		)
	}
}
