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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alwitt/todopush/apis"
	"github.com/alwitt/todopush/auth"
	"github.com/alwitt/todopush/common"
	"github.com/alwitt/todopush/core"
	"github.com/alwitt/todopush/dispatch"
	"github.com/alwitt/todopush/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the subscription server
func RunServer(
	runTimeContext context.Context,
	configs *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "subscription-server",
		"instance":  instance,
	}

	// The signing secret never travels through config files
	secret := os.Getenv(configs.Auth.SecretEnvVar)
	if secret == "" {
		err := fmt.Errorf("environment variable %s carries no secret", configs.Auth.SecretEnvVar)
		log.WithError(err).WithFields(logTags).Error("Unable to read token signing secret")
		return err
	}
	authority, err := auth.DefineJWTCredentialAuthority([]byte(secret))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential authority")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Subscription registry

	registryTP, err := common.GetNewTaskProcessorInstance(
		"subscription-registry", 64, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry tasks")
		return err
	}
	registry, err := subscription.DefineSubscriptionRegistry(
		registryTP,
		authority,
		time.Second*time.Duration(configs.Auth.TokenLifetime),
		time.Second*time.Duration(configs.Auth.RenewThreshold),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	if err := registryTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}

	// -------------------------------------------------------------------
	// Event intake and fan-out

	dispatcher, err := dispatch.DefineEventDispatcher(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}
	eventSource, err := dispatch.DefineNATSEventSource(natsClient, dispatcher, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event source")
		return err
	}
	if err := eventSource.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event source")
		return err
	}
	defer func() {
		if err := eventSource.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping event source")
		}
	}()

	// -------------------------------------------------------------------
	// Liveness sweep

	sweeper, err := subscription.DefineLivenessSweeper(
		registry,
		time.Second*time.Duration(configs.Subscription.SweepInterval),
		time.Second*time.Duration(configs.Subscription.InactiveTTL),
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define liveness sweeper")
		return err
	}
	if err := sweeper.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start liveness sweeper")
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping liveness sweeper")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestSubscriptionHandler(
		localCtxt,
		natsClient,
		&configs.API.HTTPSetting,
		registry,
		authority,
		configs.Subscription.SinkBufferDepth,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, configs.API.Endpoints.PathPrefix, nil,
	)

	// Subscription management
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/subscription", map[string]http.HandlerFunc{
			"post": httpHandler.InitializeConnectionHandler(),
		},
	)
	perSubscriberRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/subscription/{subscriberID}", map[string]http.HandlerFunc{
			"delete": httpHandler.UnsubscribeHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		perSubscriberRouter, "/keepalive", map[string]http.HandlerFunc{
			"post": httpHandler.KeepAliveHandler(),
		},
	)

	// Event streaming
	_ = apis.RegisterPathPrefix(
		perSubscriberRouter, "/stream", map[string]http.HandlerFunc{
			"get": httpHandler.StreamHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := configs.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
