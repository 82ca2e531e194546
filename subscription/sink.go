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

package subscription

import (
	"fmt"
	"sync"

	"github.com/alwitt/todopush/events"
)

// ErrSinkClosed delivery attempted against an already closed sink
var ErrSinkClosed = fmt.Errorf("event sink already closed")

// ErrSinkFull delivery attempted against a sink whose buffer is full
var ErrSinkFull = fmt.Errorf("event sink buffer full")

// EventSink is the attached output channel of a streaming subscriber.
//
// Deliver never blocks; the buffer is bounded and a slow consumer loses
// events instead of stalling the fan-out. Close fires exactly once no
// matter how many terminal signals race to trigger it.
type EventSink interface {
	Deliver(event events.TodoEvent) error
	Output() <-chan events.TodoEvent
	Close()
	Done() <-chan struct{}
}

// channelEventSink implements EventSink over a buffered channel
type channelEventSink struct {
	buffer    chan events.TodoEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventSink create new event sink with a bounded buffer
func NewEventSink(bufferDepth int) EventSink {
	return &channelEventSink{
		buffer: make(chan events.TodoEvent, bufferDepth),
		done:   make(chan struct{}),
	}
}

// Deliver hand an event to the sink without blocking
func (s *channelEventSink) Deliver(event events.TodoEvent) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.buffer <- event:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		return ErrSinkFull
	}
}

// Output the read side of the sink
func (s *channelEventSink) Output() <-chan events.TodoEvent {
	return s.buffer
}

// Close mark the sink terminated. Idempotent.
func (s *channelEventSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done closed once the sink is terminated
func (s *channelEventSink) Done() <-chan struct{} {
	return s.done
}
