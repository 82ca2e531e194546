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
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/alwitt/todopush/auth"
	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/events"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrUnknownSubscriber operation referenced a subscriber ID not in the registry
var ErrUnknownSubscriber = fmt.Errorf("unknown subscriber")

// ErrNotOwner operation presented an owner or credential not matching the record
var ErrNotOwner = fmt.Errorf("subscriber owner or credential mismatch")

// ErrInvalidCredential presented credential failed cryptographic verification
var ErrInvalidCredential = fmt.Errorf("invalid credential")

// SubscriberRecord entry detailing one client subscription session
type SubscriberRecord struct {
	ID         string    `json:"id" validate:"required"`
	OwnerID    string    `json:"owner_id" validate:"required"`
	Credential string    `json:"-" validate:"required"`
	LastSeen   time.Time `json:"last_seen"`
}

// subscriberEntry registry internal state for one subscriber
type subscriberEntry struct {
	SubscriberRecord
	sink EventSink
}

// ========================================================================================
// Registry operating the active subscriber records and the topic index

// Registry manage the active subscriber records and their topic interests.
//
// All operations are serialized through a single task processor event loop;
// a liveness sweep can never interleave with a heartbeat for the same ID.
type Registry interface {
	// Register create or overwrite a subscriber record with no attached sink
	Register(id, owner, credential string, timestamp time.Time, ctxt context.Context) error
	// Touch record a heartbeat. Returns a renewed credential when the
	// presented credential was close enough to expiry to rotate.
	Touch(id, owner, credential string, timestamp time.Time, ctxt context.Context) (string, error)
	// AttachSink bind an active delivery sink and topic interests to a record
	AttachSink(
		id string, sink EventSink, topics []string, timestamp time.Time, ctxt context.Context,
	) error
	// Detach drop the attached sink only, leaving the record in place
	Detach(id string, ctxt context.Context) error
	// Evict remove the record, its topic memberships, and close any attached sink
	Evict(id string, ctxt context.Context) error
	// Unregister owner checked eviction for client initiated teardown
	Unregister(id, owner string, ctxt context.Context) error
	// TopicSnapshot stable copy of the subscriber IDs interested in a topic
	TopicSnapshot(topic string, ctxt context.Context) ([]string, error)
	// SendToSubscriber deliver one event to a subscriber's sink if attached.
	// A missing record or missing sink is skipped silently.
	SendToSubscriber(id string, event events.TodoEvent, ctxt context.Context) error
	// ClearInactiveSubscribers evict all subscribers whose last heartbeat has
	// aged past the max inactive period
	ClearInactiveSubscribers(
		maxInactivePeriod time.Duration, timestamp time.Time, ctxt context.Context,
	) error
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp             common.TaskProcessor
	authority      auth.CredentialAuthority
	tokenLifetime  time.Duration
	renewThreshold time.Duration
	validate       *validator.Validate
	subscribers    map[string]*subscriberEntry
	topics         map[string]map[string]bool
}

// DefineSubscriptionRegistry create new subscription registry
func DefineSubscriptionRegistry(
	tp common.TaskProcessor,
	authority auth.CredentialAuthority,
	tokenLifetime time.Duration,
	renewThreshold time.Duration,
) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	instance := registryImpl{
		Component:      common.Component{LogTags: logTags},
		tp:             tp,
		authority:      authority,
		tokenLifetime:  tokenLifetime,
		renewThreshold: renewThreshold,
		validate:       validator.New(),
		subscribers:    make(map[string]*subscriberEntry),
		topics:         make(map[string]map[string]bool),
	}
	// Add handlers
	for taskType, handler := range map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registryRegisterReq{}):      instance.processRegisterRequest,
		reflect.TypeOf(registryTouchReq{}):         instance.processTouchRequest,
		reflect.TypeOf(registryAttachSinkReq{}):    instance.processAttachSinkRequest,
		reflect.TypeOf(registryDetachReq{}):        instance.processDetachRequest,
		reflect.TypeOf(registryEvictReq{}):         instance.processEvictRequest,
		reflect.TypeOf(registrySnapshotReq{}):      instance.processTopicSnapshotRequest,
		reflect.TypeOf(registrySendReq{}):          instance.processSendRequest,
		reflect.TypeOf(registryClearInactiveReq{}): instance.processClearInactiveRequest,
	} {
		if err := tp.AddToTaskExecutionMap(taskType, handler); err != nil {
			return nil, err
		}
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type registryRegisterReq struct {
	record   SubscriberRecord
	resultCB func(error)
}

// Register create or overwrite a subscriber record with no attached sink
func (r *registryImpl) Register(
	id, owner, credential string, timestamp time.Time, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	// Make the request
	request := registryRegisterReq{
		record: SubscriberRecord{
			ID: id, OwnerID: owner, Credential: credential, LastSeen: timestamp,
		},
		resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit register request")
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processRegisterRequest support task processor, deal with register request
func (r *registryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(registryRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register subscriber", reflect.TypeOf(param),
		)
	}
	err := r.ProcessRegisterRequest(request.record)
	request.resultCB(err)
	return err
}

// ProcessRegisterRequest create or overwrite a subscriber record
func (r *registryImpl) ProcessRegisterRequest(record SubscriberRecord) error {
	if err := r.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Subscriber record is not valid")
		return err
	}

	// Registration overwrites; release whatever the previous incarnation held
	if existing, ok := r.subscribers[record.ID]; ok {
		log.WithFields(r.LogTags).Warnf(
			"Overwriting existing subscriber record %s", record.ID,
		)
		r.releaseEntry(existing)
	}

	r.subscribers[record.ID] = &subscriberEntry{SubscriberRecord: record}
	log.WithFields(r.LogTags).Infof(
		"Registered subscriber %s for %s @ %s",
		record.ID,
		record.OwnerID,
		record.LastSeen.Format(time.RFC3339),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryTouchReq struct {
	timestamp  time.Time
	id         string
	owner      string
	credential string
	resultCB   func(string, error)
}

// Touch record a heartbeat against a subscriber record
func (r *registryImpl) Touch(
	id, owner, credential string, timestamp time.Time, ctxt context.Context,
) (string, error) {
	complete := make(chan bool, 1)
	var renewedCredential string
	var processError error
	// Handler core processing result
	handler := func(renewed string, err error) {
		renewedCredential = renewed
		processError = err
		complete <- true
	}

	// Make the request
	request := registryTouchReq{
		timestamp:  timestamp,
		id:         id,
		owner:      owner,
		credential: credential,
		resultCB:   handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit touch request")
		return "", err
	}

	// Wait for completion
	<-complete

	return renewedCredential, processError
}

// processTouchRequest support task processor, deal with touch request
func (r *registryImpl) processTouchRequest(param interface{}) error {
	request, ok := param.(registryTouchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for touch subscriber", reflect.TypeOf(param),
		)
	}
	renewed, err := r.ProcessTouchRequest(
		request.id, request.owner, request.credential, request.timestamp,
	)
	request.resultCB(renewed, err)
	return err
}

// ProcessTouchRequest record a heartbeat against a subscriber record.
//
// Validation runs to completion before any state is written; a rejected
// heartbeat leaves the record untouched.
func (r *registryImpl) ProcessTouchRequest(
	id, owner, credential string, timestamp time.Time,
) (string, error) {
	// Step 1: the subscriber must be known
	entry, ok := r.subscribers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}

	// Step 2: the caller must present the stored owner and credential
	if entry.OwnerID != owner || entry.Credential != credential {
		return "", fmt.Errorf("%w: subscriber %s", ErrNotOwner, id)
	}

	// Step 3: verify the credential, and rotate it if close to expiry
	claims, err := r.authority.Verify(credential)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Infof(
			"Rejected heartbeat of %s on credential verification", id,
		)
		return "", fmt.Errorf("%w: %s", ErrInvalidCredential, err.Error())
	}
	if claims.Subject != entry.OwnerID {
		return "", fmt.Errorf("%w: subject mismatch on subscriber %s", ErrNotOwner, id)
	}
	renewedCredential := ""
	if claims.ExpiresAt.Sub(timestamp) < r.renewThreshold {
		renewed, err := r.authority.Sign(claims.Subject, claims.Email, r.tokenLifetime)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to renew credential of %s", id,
			)
			return "", err
		}
		renewedCredential = renewed
		log.WithFields(r.LogTags).Infof("Renewed credential of subscriber %s", id)
	}

	// Step 4: mark the subscriber alive
	entry.LastSeen = timestamp
	if renewedCredential != "" {
		entry.Credential = renewedCredential
	}
	log.WithFields(r.LogTags).Debugf(
		"Heartbeat from subscriber %s @ %s", id, timestamp.Format(time.RFC3339),
	)
	return renewedCredential, nil
}

// ----------------------------------------------------------------------------------------

type registryAttachSinkReq struct {
	timestamp time.Time
	id        string
	sink      EventSink
	topics    []string
	resultCB  func(error)
}

// AttachSink bind an active delivery sink and topic interests to a record
func (r *registryImpl) AttachSink(
	id string, sink EventSink, topics []string, timestamp time.Time, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	// Make the request
	request := registryAttachSinkReq{
		timestamp: timestamp, id: id, sink: sink, topics: topics, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit attach-sink request")
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processAttachSinkRequest support task processor, deal with attach sink request
func (r *registryImpl) processAttachSinkRequest(param interface{}) error {
	request, ok := param.(registryAttachSinkReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for attach sink", reflect.TypeOf(param),
		)
	}
	err := r.ProcessAttachSinkRequest(
		request.id, request.sink, request.topics, request.timestamp,
	)
	request.resultCB(err)
	return err
}

// ProcessAttachSinkRequest bind an active delivery sink to a subscriber record
func (r *registryImpl) ProcessAttachSinkRequest(
	id string, sink EventSink, topics []string, timestamp time.Time,
) error {
	entry, ok := r.subscribers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}

	// A lingering previous stream loses its sink
	if entry.sink != nil && entry.sink != sink {
		log.WithFields(r.LogTags).Warnf(
			"Subscriber %s replacing an attached sink", id,
		)
		entry.sink.Close()
	}
	entry.sink = sink
	entry.LastSeen = timestamp

	// Topic membership is a set; repeating a topic changes nothing
	for _, topic := range topics {
		members, ok := r.topics[topic]
		if !ok {
			members = make(map[string]bool)
			r.topics[topic] = members
		}
		members[id] = true
	}

	log.WithFields(r.LogTags).Infof(
		"Subscriber %s streaming on topics %v", id, topics,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryDetachReq struct {
	id       string
	resultCB func(error)
}

// Detach drop the attached sink only, leaving the record in place
func (r *registryImpl) Detach(id string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := r.tp.Submit(registryDetachReq{id: id, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit detach request")
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processDetachRequest support task processor, deal with detach request
func (r *registryImpl) processDetachRequest(param interface{}) error {
	request, ok := param.(registryDetachReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for detach sink", reflect.TypeOf(param),
		)
	}
	err := r.ProcessDetachRequest(request.id)
	request.resultCB(err)
	return err
}

// ProcessDetachRequest drop the attached sink of a subscriber. Idempotent.
func (r *registryImpl) ProcessDetachRequest(id string) error {
	entry, ok := r.subscribers[id]
	if !ok || entry.sink == nil {
		return nil
	}
	entry.sink = nil
	log.WithFields(r.LogTags).Infof("Subscriber %s no longer streaming", id)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryEvictReq struct {
	id            string
	expectedOwner *string
	resultCB      func(error)
}

// Evict remove the record, its topic memberships, and close any attached sink
func (r *registryImpl) Evict(id string, ctxt context.Context) error {
	return r.evict(id, nil, ctxt)
}

// Unregister owner checked eviction for client initiated teardown
func (r *registryImpl) Unregister(id, owner string, ctxt context.Context) error {
	return r.evict(id, &owner, ctxt)
}

func (r *registryImpl) evict(id string, expectedOwner *string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	// Make the request
	request := registryEvictReq{id: id, expectedOwner: expectedOwner, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit evict request")
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processEvictRequest support task processor, deal with evict request
func (r *registryImpl) processEvictRequest(param interface{}) error {
	request, ok := param.(registryEvictReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for evict subscriber", reflect.TypeOf(param),
		)
	}
	err := r.ProcessEvictRequest(request.id, request.expectedOwner)
	request.resultCB(err)
	return err
}

// ProcessEvictRequest remove a subscriber record entirely.
//
// Plain eviction is idempotent; owner checked eviction reports unknown IDs
// and ownership mismatches so the API layer can reject the caller.
func (r *registryImpl) ProcessEvictRequest(id string, expectedOwner *string) error {
	entry, ok := r.subscribers[id]
	if !ok {
		if expectedOwner != nil {
			return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
		}
		return nil
	}
	if expectedOwner != nil && entry.OwnerID != *expectedOwner {
		return fmt.Errorf("%w: subscriber %s", ErrNotOwner, id)
	}
	r.releaseEntry(entry)
	delete(r.subscribers, id)
	log.WithFields(r.LogTags).Infof("Evicted subscriber %s", id)
	return nil
}

// releaseEntry close an entry's sink and drop its topic memberships
func (r *registryImpl) releaseEntry(entry *subscriberEntry) {
	if entry.sink != nil {
		entry.sink.Close()
		entry.sink = nil
	}
	for topic, members := range r.topics {
		delete(members, entry.ID)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
}

// ----------------------------------------------------------------------------------------

type registrySnapshotReq struct {
	topic    string
	resultCB func([]string, error)
}

// TopicSnapshot stable copy of the subscriber IDs interested in a topic
func (r *registryImpl) TopicSnapshot(topic string, ctxt context.Context) ([]string, error) {
	complete := make(chan bool, 1)
	var memberIDs []string
	var processError error
	// Handler core processing result
	handler := func(ids []string, err error) {
		memberIDs = ids
		processError = err
		complete <- true
	}

	if err := r.tp.Submit(registrySnapshotReq{topic: topic, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit topic-snapshot request")
		return nil, err
	}

	// Wait for completion
	<-complete

	return memberIDs, processError
}

// processTopicSnapshotRequest support task processor, deal with topic snapshot request
func (r *registryImpl) processTopicSnapshotRequest(param interface{}) error {
	request, ok := param.(registrySnapshotReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for topic snapshot", reflect.TypeOf(param),
		)
	}
	ids, err := r.ProcessTopicSnapshotRequest(request.topic)
	request.resultCB(ids, err)
	return err
}

// ProcessTopicSnapshotRequest copy out the current member set of a topic
func (r *registryImpl) ProcessTopicSnapshotRequest(topic string) ([]string, error) {
	members := r.topics[topic]
	result := make([]string, 0, len(members))
	for id := range members {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// ----------------------------------------------------------------------------------------

type registrySendReq struct {
	id       string
	event    events.TodoEvent
	resultCB func(error)
}

// SendToSubscriber deliver one event to a subscriber's sink if attached
func (r *registryImpl) SendToSubscriber(
	id string, event events.TodoEvent, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registrySendReq{id: id, event: event, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit send request")
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processSendRequest support task processor, deal with send request
func (r *registryImpl) processSendRequest(param interface{}) error {
	request, ok := param.(registrySendReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for send event", reflect.TypeOf(param),
		)
	}
	err := r.ProcessSendRequest(request.id, request.event)
	request.resultCB(err)
	return err
}

// ProcessSendRequest deliver one event to a subscriber's sink.
//
// Topic index entries may reference subscribers already evicted, and a
// registered subscriber may not be streaming at the moment. Both are
// skipped without error; delivery is at-most-once.
func (r *registryImpl) ProcessSendRequest(id string, event events.TodoEvent) error {
	entry, ok := r.subscribers[id]
	if !ok {
		log.WithFields(r.LogTags).Debugf(
			"Dropping %s for absent subscriber %s", event.String(), id,
		)
		return nil
	}
	if entry.sink == nil {
		log.WithFields(r.LogTags).Debugf(
			"Dropping %s for non-streaming subscriber %s", event.String(), id,
		)
		return nil
	}
	if err := entry.sink.Deliver(event); err != nil {
		return fmt.Errorf("delivery of %s to %s failed: %w", event.String(), id, err)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type registryClearInactiveReq struct {
	timestamp   time.Time
	inactiveFor time.Duration
	resultCB    func(error)
}

// ClearInactiveSubscribers evict all subscribers whose last heartbeat has
// aged past the max inactive period
func (r *registryImpl) ClearInactiveSubscribers(
	maxInactivePeriod time.Duration, timestamp time.Time, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	// Handler core processing result
	handler := func(err error) {
		processError = err
		complete <- true
	}

	// Make the request
	request := registryClearInactiveReq{
		timestamp: timestamp, inactiveFor: maxInactivePeriod, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit clear-inactive-subscribers request",
		)
		return err
	}

	// Wait for completion
	<-complete

	return processError
}

// processClearInactiveRequest support task processor, deal with clear inactive request
func (r *registryImpl) processClearInactiveRequest(param interface{}) error {
	request, ok := param.(registryClearInactiveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for clear inactive subscribers",
			reflect.TypeOf(param),
		)
	}
	err := r.ProcessClearInactiveRequest(request.inactiveFor, request.timestamp)
	request.resultCB(err)
	return err
}

// ProcessClearInactiveRequest evict subscribers which have not sent a
// heartbeat within the max allowed inactive period. A failed eviction of
// one subscriber does not stop the sweep.
func (r *registryImpl) ProcessClearInactiveRequest(
	maxInactivePeriod time.Duration, timestamp time.Time,
) error {
	// Filter out subscribers which have not been heard from
	removeIDs := []string{}
	for id, entry := range r.subscribers {
		timePassed := timestamp.Sub(entry.LastSeen)
		if timePassed > maxInactivePeriod {
			removeIDs = append(removeIDs, id)
			log.WithFields(r.LogTags).Infof(
				"Subscriber %s last seen at %s. Timeout @ %s",
				id,
				entry.LastSeen.Format(time.RFC3339),
				timePassed,
			)
		}
	}

	if len(removeIDs) == 0 {
		return nil
	}

	// Remove them from record
	for _, id := range removeIDs {
		if err := r.ProcessEvictRequest(id, nil); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to evict inactive subscriber %s", id,
			)
		}
	}

	log.WithFields(r.LogTags).Infof(
		"Following inactive subscribers are removed from record %v", removeIDs,
	)
	return nil
}
