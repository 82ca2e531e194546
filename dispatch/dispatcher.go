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
	"fmt"

	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/events"
	"github.com/alwitt/todopush/subscription"
	"github.com/apex/log"
)

// EventDispatcher fans a todo event out to every subscriber of its topic
type EventDispatcher interface {
	// Dispatch deliver one event to all current subscribers of its topic
	Dispatch(event events.TodoEvent, ctxt context.Context) error
}

// eventDispatcherImpl implements EventDispatcher
type eventDispatcherImpl struct {
	common.Component
	registry subscription.Registry
}

// DefineEventDispatcher create new event dispatcher
func DefineEventDispatcher(registry subscription.Registry) (EventDispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "event-dispatcher",
	}
	return &eventDispatcherImpl{
		Component: common.Component{LogTags: logTags}, registry: registry,
	}, nil
}

// Dispatch deliver one event to all current subscribers of its topic.
//
// Fan-out works against a snapshot of the topic membership taken up front;
// a failed or since-evicted subscriber never blocks delivery to the rest.
func (d *eventDispatcherImpl) Dispatch(event events.TodoEvent, ctxt context.Context) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("can not dispatch event of unknown kind %d", event.Kind)
	}
	topic := event.Kind.Topic()

	targets, err := d.registry.TopicSnapshot(topic, ctxt)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to read subscribers of %s", topic,
		)
		return err
	}
	if len(targets) == 0 {
		log.WithFields(d.LogTags).Debugf("No subscribers on %s for %s", topic, event.String())
		return nil
	}

	delivered := 0
	for _, subscriberID := range targets {
		if err := d.registry.SendToSubscriber(subscriberID, event, ctxt); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to deliver %s to %s", event.String(), subscriberID,
			)
			continue
		}
		delivered++
	}

	log.WithFields(d.LogTags).Debugf(
		"Dispatched %s to %d of %d subscribers on %s",
		event.String(),
		delivered,
		len(targets),
		topic,
	)
	return nil
}
