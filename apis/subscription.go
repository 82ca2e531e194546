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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/todopush/auth"
	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/core"
	"github.com/alwitt/todopush/events"
	"github.com/alwitt/todopush/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// Principal the authenticated caller identity attached to a request context
type Principal struct {
	// ID the caller's user ID
	ID string
	// Email the caller's email
	Email string
	// Token the raw credential the caller presented
	Token string
}

// APIRestSubscriptionHandler REST handler for the subscription API
type APIRestSubscriptionHandler struct {
	APIRestHandler
	natsClient      *core.NatsClient
	registry        subscription.Registry
	authority       auth.CredentialAuthority
	sinkBufferDepth int
	baseContext     context.Context
}

// GetAPIRestSubscriptionHandler define APIRestSubscriptionHandler
func GetAPIRestSubscriptionHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	registry subscription.Registry,
	authority auth.CredentialAuthority,
	sinkBufferDepth int,
) (APIRestSubscriptionHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "subscription",
	}
	offLimitHeaders := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		offLimitHeaders[header] = true
	}
	return APIRestSubscriptionHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
			offLimitHeaders: offLimitHeaders,
		},
		natsClient:      client,
		registry:        registry,
		authority:       authority,
		sinkBufferDepth: sinkBufferDepth,
		baseContext:     baseContext,
	}, nil
}

// =======================================================================
// Authentication

// authenticate middleware function verifying the caller's bearer credential.
// The verified principal is attached to the request context.
func (h APIRestSubscriptionHandler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		localLogTags := h.getLogTagsForContext(r.Context())

		rawToken := ""
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			rawToken = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if rawToken == "" {
			msg := "No credential provided"
			log.WithFields(localLogTags).Info(msg)
			h.reply(
				w,
				http.StatusUnauthorized,
				getStdRESTErrorMsg(http.StatusUnauthorized, &msg),
				"authenticate",
			)
			return
		}

		claims, err := h.authority.Verify(rawToken)
		if err != nil {
			msg := "Credential verification failed"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			h.reply(
				w,
				http.StatusUnauthorized,
				getStdRESTErrorMsg(http.StatusUnauthorized, &msg),
				"authenticate",
			)
			return
		}

		ctx := context.WithValue(r.Context(), Principal{}, Principal{
			ID: claims.Subject, Email: claims.Email, Token: rawToken,
		})
		next(w, r.WithContext(ctx))
	}
}

// principalFromContext fetch the authenticated principal of a request
func principalFromContext(ctxt context.Context) (Principal, error) {
	principal, ok := ctxt.Value(Principal{}).(Principal)
	if !ok || principal.ID == "" {
		return Principal{}, fmt.Errorf("request carries no authenticated principal")
	}
	return principal, nil
}

// subscriptionErrorCode map a registry error to a REST status code
func subscriptionErrorCode(err error) int {
	switch {
	case errors.Is(err, subscription.ErrUnknownSubscriber):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, subscription.ErrInvalidCredential):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// =======================================================================
// Subscription management

// -----------------------------------------------------------------------

// APIRestRespSubscriberID response of a subscription initialization
type APIRestRespSubscriberID struct {
	StandardResponse
	// SubscriberID the new subscriber's ID
	SubscriberID string `json:"subscriber_id"`
}

// InitializeConnection godoc
// @Summary Initialize a subscription
// @Description Register a new subscriber record bound to the caller's identity.
// The record holds no event stream until the subscriber starts one.
// @tags Subscription
// @Produce json
// @Param Todopush-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer credential of the caller"
// @Success 200 {object} APIRestRespSubscriberID "success"
// @Failure 401 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription [post]
func (h APIRestSubscriptionHandler) InitializeConnection(
	w http.ResponseWriter, r *http.Request,
) {
	restCall := "POST /v1/subscription"
	localLogTags := h.getLogTagsForContext(r.Context())

	principal, err := principalFromContext(r.Context())
	if err != nil {
		msg := "Request missing caller identity"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusUnauthorized, getStdRESTErrorMsg(http.StatusUnauthorized, &msg), restCall,
		)
		return
	}

	subscriberID := uuid.New().String()
	if err := h.registry.Register(
		subscriberID, principal.ID, principal.Token, time.Now(), r.Context(),
	); err != nil {
		msg := "Unable to register subscriber"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			restCall,
		)
		return
	}

	h.reply(w, http.StatusOK, APIRestRespSubscriberID{
		StandardResponse: getStdRESTSuccessMsg(), SubscriberID: subscriberID,
	}, restCall)
}

// InitializeConnectionHandler Wrapper around InitializeConnection
func (h APIRestSubscriptionHandler) InitializeConnectionHandler() http.HandlerFunc {
	return h.attachRequestID(h.authenticate(
		func(w http.ResponseWriter, r *http.Request) {
			h.InitializeConnection(w, r)
		},
	))
}

// -----------------------------------------------------------------------

// APIRestRespKeepAlive response of a subscription heartbeat
type APIRestRespKeepAlive struct {
	StandardResponse
	// RenewedAuthToken a renewed credential, present when the presented one
	// was close to expiry
	RenewedAuthToken *string `json:"renewed_auth_token,omitempty"`
}

// KeepAlive godoc
// @Summary Heartbeat a subscription
// @Description Mark a subscriber as alive. Returns a renewed credential when
// the presented one was close to expiry.
// @tags Subscription
// @Produce json
// @Param Todopush-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer credential of the caller"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespKeepAlive "success"
// @Failure 401 {object} StandardResponse "error"
// @Failure 403 {object} StandardResponse "error"
// @Failure 404 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription/{subscriberID}/keepalive [post]
func (h APIRestSubscriptionHandler) KeepAlive(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/subscription/{subscriberID}/keepalive"
	localLogTags := h.getLogTagsForContext(r.Context())

	principal, err := principalFromContext(r.Context())
	if err != nil {
		msg := "Request missing caller identity"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusUnauthorized, getStdRESTErrorMsg(http.StatusUnauthorized, &msg), restCall,
		)
		return
	}

	vars := mux.Vars(r)
	subscriberID, ok := vars["subscriberID"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall,
		)
		return
	}

	renewed, err := h.registry.Touch(
		subscriberID, principal.ID, principal.Token, time.Now(), r.Context(),
	)
	if err != nil {
		respCode := subscriptionErrorCode(err)
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Infof(
			"Rejected heartbeat of %s", subscriberID,
		)
		h.reply(w, respCode, getStdRESTErrorMsg(respCode, &msg), restCall)
		return
	}

	resp := APIRestRespKeepAlive{StandardResponse: getStdRESTSuccessMsg()}
	if renewed != "" {
		resp.RenewedAuthToken = &renewed
	}
	h.reply(w, http.StatusOK, resp, restCall)
}

// KeepAliveHandler Wrapper around KeepAlive
func (h APIRestSubscriptionHandler) KeepAliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.authenticate(
		func(w http.ResponseWriter, r *http.Request) {
			h.KeepAlive(w, r)
		},
	))
}

// -----------------------------------------------------------------------

// Unsubscribe godoc
// @Summary End a subscription
// @Description Remove a subscriber record, closing its event stream if one
// is open. Only the owner may remove a subscription.
// @tags Subscription
// @Produce json
// @Param Todopush-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer credential of the caller"
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} StandardResponse "success"
// @Failure 401 {object} StandardResponse "error"
// @Failure 403 {object} StandardResponse "error"
// @Failure 404 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription/{subscriberID} [delete]
func (h APIRestSubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	restCall := "DELETE /v1/subscription/{subscriberID}"
	localLogTags := h.getLogTagsForContext(r.Context())

	principal, err := principalFromContext(r.Context())
	if err != nil {
		msg := "Request missing caller identity"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusUnauthorized, getStdRESTErrorMsg(http.StatusUnauthorized, &msg), restCall,
		)
		return
	}

	vars := mux.Vars(r)
	subscriberID, ok := vars["subscriberID"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall,
		)
		return
	}

	if err := h.registry.Unregister(subscriberID, principal.ID, r.Context()); err != nil {
		respCode := subscriptionErrorCode(err)
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Infof(
			"Rejected unsubscribe of %s", subscriberID,
		)
		h.reply(w, respCode, getStdRESTErrorMsg(respCode, &msg), restCall)
		return
	}

	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestSubscriptionHandler) UnsubscribeHandler() http.HandlerFunc {
	return h.attachRequestID(h.authenticate(
		func(w http.ResponseWriter, r *http.Request) {
			h.Unsubscribe(w, r)
		},
	))
}

// =======================================================================
// Event streaming

// -----------------------------------------------------------------------

// APIRestRespTodoEvent wrapper object for one streamed todo event
type APIRestRespTodoEvent struct {
	StandardResponse
	events.TodoEvent
}

// Stream godoc
// @Summary Start a subscription event stream
// @Description Open a long lived server sent event stream delivering todo
// events of the requested kinds. The stream closes on client disconnect,
// explicit unsubscribe, liveness eviction, or server shutdown.
// @tags Subscription
// @Produce json
// @Param Todopush-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer credential of the caller"
// @Param subscriberID path string true "Subscriber ID"
// @Param events query string false "Comma separated event kinds to receive (DEFAULT: all)"
// @Success 200 {object} APIRestRespTodoEvent "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 401 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription/{subscriberID}/stream [get]
func (h APIRestSubscriptionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/subscription/{subscriberID}/stream"
	localLogTagsInitial := h.getLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	// --------------------------------------------------------------------------
	// Read operation parameters

	principal, err := principalFromContext(r.Context())
	if err != nil {
		msg := "Request missing caller identity"
		log.WithError(err).WithFields(localLogTagsInitial).Error(msg)
		respCode = http.StatusUnauthorized
		respBody = getStdRESTErrorMsg(http.StatusUnauthorized, &msg)
		return
	}

	vars := mux.Vars(r)
	subscriberID, ok := vars["subscriberID"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}

	// Read the requested event kinds. Absent means every kind.
	kinds := events.Kinds()
	if rawKinds := r.URL.Query().Get("events"); rawKinds != "" {
		kinds = nil
		for _, name := range strings.Split(rawKinds, ",") {
			kind, err := events.ParseKind(strings.TrimSpace(name))
			if err != nil {
				msg := fmt.Sprintf("Unknown event kind %s", name)
				log.WithError(err).WithFields(localLogTagsInitial).Errorf(msg)
				respCode = http.StatusBadRequest
				respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
				return
			}
			kinds = append(kinds, kind)
		}
	}
	topics := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		topics = append(topics, kind.Topic())
	}

	// --------------------------------------------------------------------------
	// Start operation

	// Define custom log tags for this instance
	logTags := localLogTagsInitial
	logTags["subscriber"] = subscriberID
	logTags["owner"] = principal.ID
	logTags["topics"] = topics

	// Create stream flusher
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	// Bind a fresh sink to the subscriber record. A subscriber streaming
	// before registering gets a record implicitly.
	sink := subscription.NewEventSink(h.sinkBufferDepth)
	if err := h.registry.AttachSink(
		subscriberID, sink, topics, time.Now(), r.Context(),
	); err != nil {
		if !errors.Is(err, subscription.ErrUnknownSubscriber) {
			msg := "Unable to start event stream"
			log.WithError(err).WithFields(logTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			return
		}
		if err := h.registry.Register(
			subscriberID, principal.ID, principal.Token, time.Now(), r.Context(),
		); err != nil {
			msg := "Unable to register subscriber"
			log.WithError(err).WithFields(logTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			return
		}
		if err := h.registry.AttachSink(
			subscriberID, sink, topics, time.Now(), r.Context(),
		); err != nil {
			msg := "Unable to start event stream"
			log.WithError(err).WithFields(logTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			return
		}
	}
	log.WithFields(logTags).Info("Event stream started")

	// Process events until one terminal signal fires. The registry eviction
	// is idempotent, so signals arriving after the first are no-ops.
	complete := false
	evicted := false
	cleanUp := func() {
		// The request context is finished by now; eviction runs on the
		// server context instead
		if err := h.registry.Evict(subscriberID, h.baseContext); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Eviction of %s on stream end failed", subscriberID,
			)
		}
		evicted = true
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating event stream on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			cleanUp()
			log.WithFields(logTags).Info("Terminating event stream on request end")
			respCode = http.StatusOK
			respBody = getStdRESTSuccessMsg()
		case <-sink.Done():
			// Subscriber evicted or unsubscribed elsewhere
			complete = true
			evicted = true
			log.WithFields(logTags).Info("Terminating event stream on sink close")
			respCode = http.StatusOK
			respBody = getStdRESTSuccessMsg()
		case event := <-sink.Output():
			// Send out a new event
			resp := APIRestRespTodoEvent{
				StandardResponse: getStdRESTSuccessMsg(), TodoEvent: event,
			}
			// Serialize as JSON
			serialize, err := json.Marshal(&resp)
			if err != nil {
				complete = true
				cleanUp()
				msg := "Failed to serialize event for transmission"
				log.WithError(err).WithFields(logTags).Errorf(msg)
				respCode = http.StatusInternalServerError
				respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
				break
			}
			// Send and flush
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				complete = true
				cleanUp()
				msg := "Failed to transmit event"
				log.WithError(err).WithFields(logTags).Errorf(msg)
				respCode = http.StatusInternalServerError
				respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
				break
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
	if !evicted {
		// Server stop path still releases the subscriber's resources
		sink.Close()
	}
	// On final flush
	writeFlusher.Flush()
}

// StreamHandler Wrapper around Stream
func (h APIRestSubscriptionHandler) StreamHandler() http.HandlerFunc {
	return h.attachRequestID(h.authenticate(
		func(w http.ResponseWriter, r *http.Request) {
			h.Stream(w, r)
		},
	))
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For subscription REST API liveness check
// @Description Will return success to indicate subscription REST API module is live
// @tags Subscription
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/alive [get]
func (h APIRestSubscriptionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /v1/alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestSubscriptionHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For subscription REST API readiness check
// @Description Will return success if subscription REST API module is ready for use
// @tags Subscription
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/ready [get]
func (h APIRestSubscriptionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/ready"
	if h.natsClient.NATs().Status() == nats.CONNECTED {
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
	} else {
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			restCall,
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestSubscriptionHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
