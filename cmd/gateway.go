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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/vistrack/apis"
	"github.com/alwitt/vistrack/common"
	"github.com/alwitt/vistrack/core"
	"github.com/alwitt/vistrack/gateway"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GatewayCollaborators business collaborators the gateway calls into
type GatewayCollaborators struct {
	// Auth token verification
	Auth gateway.AuthVerifier
	// Activities visitor activity persistence
	Activities gateway.ActivityStore
	// Visitors visitor identity persistence
	Visitors gateway.VisitorStore
	// Enricher CRM enrichment, guarded by the circuit breaker
	Enricher gateway.Enricher
}

// RunGatewayServer run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.GatewayServerConfig,
	instance string,
	natsClient core.NatsClient,
	collaborators GatewayCollaborators,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Build the gateway core

	limiter, err := gateway.GetRateLimiter(
		instance,
		config.Admission.MaxEvents,
		time.Second*time.Duration(config.Admission.WindowSec),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate limiter")
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector())
	metrics, err := gateway.GetMetrics(metricsRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	breaker, err := gateway.GetCircuitBreaker("enrichment", gateway.CircuitBreakerParams{
		EvalWindow:            time.Second * time.Duration(config.Breaker.EvalWindowSec),
		ErrorThresholdPercent: config.Breaker.ErrorThresholdPercent,
		MinSamples:            config.Breaker.MinSamples,
		Cooldown:              time.Second * time.Duration(config.Breaker.CooldownSec),
		CallTimeout:           time.Second * time.Duration(config.Breaker.CallTimeoutSec),
		OnStateChange:         metrics.ObserveBreakerTransition,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define circuit breaker")
		return err
	}

	connections, err := gateway.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	heartbeatInterval := time.Second * time.Duration(config.Liveness.HeartbeatIntervalSec)
	staleAfter := heartbeatInterval * time.Duration(config.Liveness.StalenessMultiplier)
	subscriptions, err := gateway.GetSubscriptionRegistry(instance, staleAfter)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}

	backplane, err := gateway.GetNatsBackplane(
		natsClient, config.Backplane.SubjectPrefix, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define backplane")
		return err
	}

	activityHandler, err := gateway.GetActivityHandler(
		collaborators.Activities, limiter, backplane, metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define activity handler")
		return err
	}

	visitorHandler, err := gateway.GetVisitorHandler(
		collaborators.Visitors,
		collaborators.Activities,
		collaborators.Enricher,
		breaker,
		limiter,
		subscriptions,
		backplane,
		metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define visitor handler")
		return err
	}

	router, err := gateway.GetEventRouter(activityHandler, visitorHandler, subscriptions, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event router")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	service, err := gateway.GetGatewayService(gateway.GatewayServiceParams{
		Instance:          instance,
		Auth:              collaborators.Auth,
		Router:            router,
		Connections:       connections,
		Subscriptions:     subscriptions,
		Limiter:           limiter,
		Backplane:         backplane,
		Metrics:           metrics,
		HeartbeatInterval: heartbeatInterval,
		SweepInterval:     time.Second * time.Duration(config.Liveness.SweepIntervalSec),
	}, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway service")
		return err
	}
	if err := service.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start gateway service")
		return err
	}
	defer func() {
		if err := service.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Gateway service stop failed")
		}
	}()

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		service, natsClient.Ready, config.HTTPSetting.Logging.RequestIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpRouter := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		httpRouter, config.Endpoints.PathPrefix, nil,
	)

	// Websocket entry
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": httpHandler.ConnectHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.PathPrefix("/metrics").Handler(promhttp.HandlerFor(
		metricsRegistry, promhttp.HandlerOpts{},
	))

	// Add logging
	httpRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

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
