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

package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is one of the todo integration event kinds. The set is closed; the
// canonical topic and bus subject for each kind are fixed tables below.
//
// The zero value is deliberately not a usable kind, so a payload which never
// set one fails validation instead of masquerading as the first entry.
type Kind int

// The supported todo integration event kinds
const (
	KindUnknown Kind = iota
	KindAdded
	KindModifiedTitle
	KindDeleted
	KindCompleted
	KindUncompleted
	kindLimit
)

// kindNames client facing names, also used on the wire
var kindNames = [kindLimit]string{
	KindAdded:         "added",
	KindModifiedTitle: "modified_title",
	KindDeleted:       "deleted",
	KindCompleted:     "completed",
	KindUncompleted:   "uncompleted",
}

// kindTopics canonical topic per event kind, used by the subscription
// topic index and the delivery fan-out
var kindTopics = [kindLimit]string{
	KindAdded:         "todo.added",
	KindModifiedTitle: "todo.modified-title",
	KindDeleted:       "todo.deleted",
	KindCompleted:     "todo.completed",
	KindUncompleted:   "todo.uncompleted",
}

// kindSubjects NATS subject per event kind on the integration event bus
var kindSubjects = [kindLimit]string{
	KindAdded:         "todopush.events.todo.added",
	KindModifiedTitle: "todopush.events.todo.modified-title",
	KindDeleted:       "todopush.events.todo.deleted",
	KindCompleted:     "todopush.events.todo.completed",
	KindUncompleted:   "todopush.events.todo.uncompleted",
}

// Kinds return all supported event kinds
func Kinds() []Kind {
	result := make([]Kind, 0, int(kindLimit)-1)
	for k := KindAdded; k < kindLimit; k++ {
		result = append(result, k)
	}
	return result
}

// Valid whether this is a supported event kind
func (k Kind) Valid() bool {
	return k > KindUnknown && k < kindLimit
}

// String toString function
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("unknown-kind-%d", int(k))
	}
	return kindNames[k]
}

// Topic the canonical delivery topic for this event kind
func (k Kind) Topic() string {
	if !k.Valid() {
		return ""
	}
	return kindTopics[k]
}

// Subject the NATS subject carrying this event kind on the event bus
func (k Kind) Subject() string {
	if !k.Valid() {
		return ""
	}
	return kindSubjects[k]
}

// ParseKind translate a client facing event kind name into a Kind
func ParseKind(name string) (Kind, error) {
	for k := KindAdded; k < kindLimit; k++ {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind '%s'", name)
}

// MarshalJSON implements the json.Marshaler interface
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("can not serialize unknown event kind %d", int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ==============================================================================

// TodoEvent one todo integration event as published on the event bus and
// delivered to streaming subscribers
type TodoEvent struct {
	// EventID unique ID of this event instance
	EventID string `json:"event_id" validate:"required"`
	// Kind the event kind. A payload which omits the field carries the zero
	// value KindUnknown and fails validation.
	Kind Kind `json:"kind" validate:"required"`
	// TodoID ID of the todo entity the event refers to
	TodoID string `json:"todo_id" validate:"required"`
	// Title the todo title after the event was applied
	Title string `json:"title,omitempty"`
	// Completed the todo completion flag after the event was applied
	Completed bool `json:"completed"`
	// OwnerID ID of the user owning the todo
	OwnerID string `json:"owner_id,omitempty"`
	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// String toString function
func (e TodoEvent) String() string {
	return fmt.Sprintf("%s:EVENT[%s@%s]", e.Kind, e.EventID, e.TodoID)
}
