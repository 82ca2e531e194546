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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/todopush/auth"
	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func defineTestRegistry(
	t *testing.T, authority auth.CredentialAuthority, renewThreshold time.Duration,
) (Registry, func()) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	tp, err := common.GetNewTaskProcessorInstance("registry-ut", 4, ctxt)
	assert.Nil(err)

	uut, err := DefineSubscriptionRegistry(tp, authority, time.Hour, renewThreshold)
	assert.Nil(err)

	assert.Nil(tp.StartEventLoop(&wg))

	return uut, func() {
		cancel()
		wg.Wait()
	}
}

func TestRegistryBasicLifecycle(t *testing.T) {
	assert := assert.New(t)

	authority, err := auth.DefineJWTCredentialAuthority([]byte("ut-registry-secret"))
	assert.Nil(err)

	uut, cleanUp := defineTestRegistry(t, authority, time.Minute)
	defer cleanUp()

	ctxt := context.Background()

	owner1 := uuid.New().String()
	token1, err := authority.Sign(owner1, "one@unit-test.dev", time.Hour)
	assert.Nil(err)

	startTime := time.Now()

	// Case 0: heartbeat an unknown subscriber
	subscriber1 := uuid.New().String()
	_, err = uut.Touch(subscriber1, owner1, token1, startTime, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrUnknownSubscriber))

	// Case 1: register the subscriber
	assert.Nil(uut.Register(subscriber1, owner1, token1, startTime, ctxt))

	// Case 2: heartbeat works now, and is fresh enough to skip rotation
	renewed, err := uut.Touch(subscriber1, owner1, token1, startTime.Add(time.Second), ctxt)
	assert.Nil(err)
	assert.Empty(renewed)

	// Case 3: heartbeat with the wrong owner
	_, err = uut.Touch(subscriber1, uuid.New().String(), token1, startTime, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrNotOwner))

	// Case 4: heartbeat with a credential not matching the stored one
	otherToken, err := authority.Sign(owner1, "one@unit-test.dev", time.Hour)
	assert.Nil(err)
	if otherToken != token1 {
		_, err = uut.Touch(subscriber1, owner1, otherToken, startTime, ctxt)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrNotOwner))
	}

	// Case 5: owner checked removal with the wrong owner
	err = uut.Unregister(subscriber1, uuid.New().String(), ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrNotOwner))

	// Case 6: owner checked removal with the right owner
	assert.Nil(uut.Unregister(subscriber1, owner1, ctxt))
	_, err = uut.Touch(subscriber1, owner1, token1, startTime, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrUnknownSubscriber))

	// Case 7: owner checked removal of an unknown subscriber
	err = uut.Unregister(subscriber1, owner1, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrUnknownSubscriber))

	// Case 8: plain eviction of an unknown subscriber is a no-op
	assert.Nil(uut.Evict(subscriber1, ctxt))
}

func TestRegistryCredentialRotation(t *testing.T) {
	assert := assert.New(t)

	authority, err := auth.DefineJWTCredentialAuthority([]byte("ut-rotation-secret"))
	assert.Nil(err)

	// Threshold beyond the token lifetime forces rotation on every heartbeat
	uut, cleanUp := defineTestRegistry(t, authority, time.Hour*2)
	defer cleanUp()

	ctxt := context.Background()

	owner2 := uuid.New().String()
	token2, err := authority.Sign(owner2, "two@unit-test.dev", time.Hour)
	assert.Nil(err)

	startTime := time.Now()
	subscriber2 := uuid.New().String()
	assert.Nil(uut.Register(subscriber2, owner2, token2, startTime, ctxt))

	// Case 0: heartbeat rotates the credential
	renewed, err := uut.Touch(subscriber2, owner2, token2, startTime.Add(time.Second), ctxt)
	assert.Nil(err)
	assert.NotEmpty(renewed)
	claims, err := authority.Verify(renewed)
	assert.Nil(err)
	assert.Equal(owner2, claims.Subject)
	assert.Equal("two@unit-test.dev", claims.Email)

	// Case 1: the stored credential changed with the rotation
	if renewed != token2 {
		_, err = uut.Touch(subscriber2, owner2, token2, startTime.Add(time.Second*2), ctxt)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrNotOwner))
	}
	_, err = uut.Touch(subscriber2, owner2, renewed, startTime.Add(time.Second*2), ctxt)
	assert.Nil(err)

	// Case 2: a forged credential is rejected before rotation
	forger, err := auth.DefineJWTCredentialAuthority([]byte("some-other-secret"))
	assert.Nil(err)
	forged, err := forger.Sign(owner2, "two@unit-test.dev", time.Hour)
	assert.Nil(err)
	subscriber3 := uuid.New().String()
	assert.Nil(uut.Register(subscriber3, owner2, forged, startTime, ctxt))
	_, err = uut.Touch(subscriber3, owner2, forged, startTime.Add(time.Second), ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrInvalidCredential))
}

func TestRegistrySinkAndTopics(t *testing.T) {
	assert := assert.New(t)

	authority, err := auth.DefineJWTCredentialAuthority([]byte("ut-topics-secret"))
	assert.Nil(err)

	uut, cleanUp := defineTestRegistry(t, authority, time.Minute)
	defer cleanUp()

	ctxt := context.Background()

	owner := uuid.New().String()
	token, err := authority.Sign(owner, "topics@unit-test.dev", time.Hour)
	assert.Nil(err)

	startTime := time.Now()
	topicAdded := events.KindAdded.Topic()
	topicDeleted := events.KindDeleted.Topic()

	// Case 0: attaching a sink to an unknown subscriber fails
	subscriber1 := uuid.New().String()
	sink1 := NewEventSink(4)
	err = uut.AttachSink(subscriber1, sink1, []string{topicAdded}, startTime, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrUnknownSubscriber))

	// Case 1: register then attach, repeating a topic
	assert.Nil(uut.Register(subscriber1, owner, token, startTime, ctxt))
	assert.Nil(uut.AttachSink(
		subscriber1, sink1, []string{topicAdded, topicDeleted, topicAdded}, startTime, ctxt,
	))
	members, err := uut.TopicSnapshot(topicAdded, ctxt)
	assert.Nil(err)
	assert.Equal([]string{subscriber1}, members)
	members, err = uut.TopicSnapshot(topicDeleted, ctxt)
	assert.Nil(err)
	assert.Equal([]string{subscriber1}, members)

	// Case 2: an event reaches the attached sink
	event := events.TodoEvent{
		EventID:   uuid.New().String(),
		Kind:      events.KindAdded,
		TodoID:    uuid.New().String(),
		Title:     "buy milk",
		OwnerID:   owner,
		Timestamp: startTime,
	}
	assert.Nil(uut.SendToSubscriber(subscriber1, event, ctxt))
	select {
	case received := <-sink1.Output():
		assert.Equal(event.EventID, received.EventID)
	default:
		assert.FailNow("sink received no event")
	}

	// Case 3: sending to an unknown subscriber is skipped silently
	assert.Nil(uut.SendToSubscriber(uuid.New().String(), event, ctxt))

	// Case 4: detach leaves the record but stops delivery
	assert.Nil(uut.Detach(subscriber1, ctxt))
	assert.Nil(uut.SendToSubscriber(subscriber1, event, ctxt))
	select {
	case <-sink1.Output():
		assert.FailNow("detached sink received an event")
	default:
	}
	_, err = uut.Touch(subscriber1, owner, token, startTime.Add(time.Second), ctxt)
	assert.Nil(err)

	// Case 5: a second attach replaces and closes the previous sink
	sink2 := NewEventSink(4)
	assert.Nil(uut.AttachSink(subscriber1, sink2, []string{topicAdded}, startTime, ctxt))
	sink3 := NewEventSink(4)
	assert.Nil(uut.AttachSink(subscriber1, sink3, []string{topicAdded}, startTime, ctxt))
	select {
	case <-sink2.Done():
	case <-time.After(time.Second):
		assert.FailNow("replaced sink was not closed")
	}
	assert.Nil(uut.SendToSubscriber(subscriber1, event, ctxt))
	select {
	case received := <-sink3.Output():
		assert.Equal(event.EventID, received.EventID)
	default:
		assert.FailNow("replacement sink received no event")
	}

	// Case 6: eviction closes the sink and empties the topic index
	assert.Nil(uut.Evict(subscriber1, ctxt))
	select {
	case <-sink3.Done():
	case <-time.After(time.Second):
		assert.FailNow("evicted subscriber's sink was not closed")
	}
	members, err = uut.TopicSnapshot(topicAdded, ctxt)
	assert.Nil(err)
	assert.Empty(members)
}

func TestRegistryClearInactiveSubscribers(t *testing.T) {
	assert := assert.New(t)

	authority, err := auth.DefineJWTCredentialAuthority([]byte("ut-sweep-secret"))
	assert.Nil(err)

	uut, cleanUp := defineTestRegistry(t, authority, time.Minute)
	defer cleanUp()

	ctxt := context.Background()

	owner := uuid.New().String()
	token, err := authority.Sign(owner, "sweep@unit-test.dev", time.Hour)
	assert.Nil(err)

	startTime := time.Now()
	maxInactive := time.Second * 30

	subscriber1 := uuid.New().String()
	subscriber2 := uuid.New().String()
	subscriber3 := uuid.New().String()
	assert.Nil(uut.Register(subscriber1, owner, token, startTime, ctxt))
	assert.Nil(uut.Register(subscriber2, owner, token, startTime, ctxt))
	assert.Nil(uut.Register(subscriber3, owner, token, startTime, ctxt))

	sink2 := NewEventSink(4)
	topic := events.KindCompleted.Topic()
	assert.Nil(uut.AttachSink(subscriber2, sink2, []string{topic}, startTime, ctxt))

	// Keep subscriber1 alive
	_, err = uut.Touch(subscriber1, owner, token, startTime.Add(time.Second*20), ctxt)
	assert.Nil(err)

	// Case 0: sweep before anything aged out
	assert.Nil(uut.ClearInactiveSubscribers(maxInactive, startTime.Add(time.Second*10), ctxt))
	_, err = uut.Touch(subscriber2, owner, token, startTime.Add(time.Second*10), ctxt)
	assert.Nil(err)

	// Case 1: sweep past the cutoff of subscriber3 only
	// subscriber1 touched at +20s, subscriber2 streaming since +10s, subscriber3 idle since 0
	sweepTime := startTime.Add(time.Second * 35)
	assert.Nil(uut.ClearInactiveSubscribers(maxInactive, sweepTime, ctxt))
	_, err = uut.Touch(subscriber1, owner, token, sweepTime, ctxt)
	assert.Nil(err)
	_, err = uut.Touch(subscriber2, owner, token, sweepTime, ctxt)
	assert.Nil(err)
	_, err = uut.Touch(subscriber3, owner, token, sweepTime, ctxt)
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrUnknownSubscriber))

	// Case 2: sweep far past everything
	finalSweep := startTime.Add(time.Hour)
	assert.Nil(uut.ClearInactiveSubscribers(maxInactive, finalSweep, ctxt))
	_, err = uut.Touch(subscriber1, owner, token, finalSweep, ctxt)
	assert.True(errors.Is(err, ErrUnknownSubscriber))
	_, err = uut.Touch(subscriber2, owner, token, finalSweep, ctxt)
	assert.True(errors.Is(err, ErrUnknownSubscriber))
	select {
	case <-sink2.Done():
	case <-time.After(time.Second):
		assert.FailNow("swept subscriber's sink was not closed")
	}
	members, err := uut.TopicSnapshot(topic, ctxt)
	assert.Nil(err)
	assert.Empty(members)

	// Case 3: repeating the sweep changes nothing
	assert.Nil(uut.ClearInactiveSubscribers(maxInactive, finalSweep, ctxt))
}
