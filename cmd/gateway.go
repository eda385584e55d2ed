// Copyright 2024-2025 The restogw Authors
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

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cortezalberto/restogw/apis"
	"github.com/cortezalberto/restogw/auth"
	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/core"
	"github.com/cortezalberto/restogw/delivery"
	"github.com/cortezalberto/restogw/gateway"
	"github.com/cortezalberto/restogw/monitor"
	"github.com/cortezalberto/restogw/registry"
	"github.com/cortezalberto/restogw/routing"
	"github.com/cortezalberto/restogw/sectors"
	"github.com/cortezalberto/restogw/subscriber"
)

// GatewayRestEndpoints end-point path configs for the gateway API
type GatewayRestEndpoints struct {
	PathPrefix string
}

// GatewayCLIArgs arguments
type GatewayCLIArgs struct {
	Endpoints GatewayRestEndpoints
}

// GetGatewayCLIFlags retrieve the set of CMD flags for the gateway server
func GetGatewayCLIFlags(args *GatewayCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gateway-server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the gateway APIs",
			Aliases:     []string{"gsep"},
			EnvVars:     []string{"GATEWAY_SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
	}
}

// RunGatewayServer run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.GatewayServerConfig,
	params GatewayCLIArgs,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Connection registry and lifecycle

	locks, err := registry.GetLockCoordinator(
		config.Locks.UserShards, config.Locks.BranchShards,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lock coordinator")
		return err
	}
	connRegistry, err := registry.GetConnectionRegistry(locks)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	heartbeat, err := monitor.GetHeartbeatMonitor()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return err
	}
	limiter, err := monitor.GetRateLimiter(monitor.RateLimiterParams{
		MaxMessagesPerSec: config.RateLimit.MaxMessagesPerSec,
		AbuseStrikes:      config.RateLimit.AbuseStrikes,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate limiter")
		return err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: config.SectorCache.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Redis client close failure")
		}
	}()
	assignSource, err := sectors.GetRedisAssignmentSource(redisClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define assignment source")
		return err
	}
	sectorCache, err := sectors.GetSectorAssignmentCache(assignSource, sectors.SectorCacheParams{
		TTL:           time.Second * time.Duration(config.SectorCache.TTLSec),
		LookupTimeout: time.Millisecond * time.Duration(config.SectorCache.LookupTimeoutMSec),
		MaxEntries:    config.SectorCache.MaxEntries,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sector cache")
		return err
	}

	manager, err := gateway.GetConnectionManager(gateway.ConnectionManagerParams{
		MaxConnectionsPerUser: config.Admission.MaxConnectionsPerUser,
		MaxConnectionsTotal:   config.Admission.MaxConnectionsTotal,
		StaleTimeout:          time.Second * time.Duration(config.Heartbeat.StaleTimeout),
	}, connRegistry, locks, heartbeat, limiter, sectorCache)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return err
	}

	// -------------------------------------------------------------------
	// Event pipeline

	filter, err := routing.GetTenantFilter()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tenant filter")
		return err
	}
	router, err := routing.GetEventRouter(connRegistry, sectorCache, filter)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event router")
		return err
	}
	broadcaster, err := delivery.GetBroadcaster(connRegistry, delivery.BroadcasterParams{
		BatchSize:   config.Broadcast.BatchSize,
		SendTimeout: time.Millisecond * time.Duration(config.Broadcast.SendTimeoutMSec),
	}, func(report delivery.DeliveryReport) {
		if report.Failed > 0 {
			log.WithFields(logTags).Warnf(
				"Fan-out of %s reached %d of %d targets",
				report.EventType, report.Delivered, report.Targets,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	breaker, err := subscriber.GetCircuitBreaker(instance, subscriber.CircuitBreakerParams{
		FailureThreshold: config.Subscriber.Breaker.FailureThreshold,
		Cooldown:         time.Second * time.Duration(config.Subscriber.Breaker.CooldownSec),
		HalfOpenTrials:   config.Subscriber.Breaker.HalfOpenTrials,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define circuit breaker")
		return err
	}
	msgSource, err := subscriber.GetNatsMessageSource(
		natsClient, config.Subscriber.TopicPatterns,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message source")
		return err
	}
	dropWindow := subscriber.NewDropRateWindow(
		time.Second * time.Duration(config.Subscriber.DropAlertWindowSec),
	)
	eventSub, err := subscriber.GetEventSubscriber(localCtxt, subscriber.EventSubscriberParams{
		Source: msgSource,
		Sink: func(ctxt context.Context, event routing.Event) error {
			targets, err := router.Route(ctxt, event)
			if err != nil {
				return err
			}
			broadcaster.Deliver(ctxt, event, targets)
			return nil
		},
		QueueCapacity:      config.Subscriber.QueueCapacity,
		DrainBatchSize:     config.Subscriber.DrainBatchSize,
		BackoffBase:        time.Millisecond * time.Duration(config.Subscriber.BackoffBaseMSec),
		BackoffMax:         time.Millisecond * time.Duration(config.Subscriber.BackoffMaxMSec),
		Breaker:            breaker,
		DropAlertThreshold: config.Subscriber.DropAlertPercent / 100.0,
	}, dropWindow)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event subscriber")
		return err
	}
	if err := eventSub.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event subscriber")
		return err
	}

	// -------------------------------------------------------------------
	// Stale connection sweep

	sweepTimer, err := common.GetIntervalTimerInstance(localCtxt, "conn-sweep", wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return err
	}
	if err := sweepTimer.Start(
		time.Second*time.Duration(config.Heartbeat.SweepInterval),
		func() error {
			manager.SweepOnce(localCtxt)
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return err
	}
	defer func() {
		if err := sweepTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Sweep timer stop failure")
		}
	}()

	// -------------------------------------------------------------------
	// External surface

	staffAuth, err := auth.GetStaffAuthStrategy(
		[]byte(config.Auth.StaffSigningSecret),
		time.Second*time.Duration(config.Auth.ClockSkewSec),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define staff auth")
		return err
	}
	guestAuth, err := auth.GetGuestAuthStrategy(
		[]byte(config.Auth.GuestSigningSecret),
		time.Second*time.Duration(config.Auth.ClockSkewSec),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define guest auth")
		return err
	}

	wsHandler, err := apis.GetAPIRestGatewayWSHandler(
		localCtxt,
		&config.HTTPSetting,
		manager,
		staffAuth,
		guestAuth,
		time.Second*time.Duration(config.Admission.AcceptTimeout),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WS handler")
		return err
	}
	opHandler, err := apis.GetAPIRestOperationalHandler(
		&config.HTTPSetting, manager, eventSub, filter, connRegistry, locks, wsHandler,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define operational handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	muxRouter := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(muxRouter, params.Endpoints.PathPrefix, nil)

	// Client connection endpoints
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/connect/{role}", apis.MethodHandlers{
			"get": wsHandler.ConnectWSHandler(),
		},
	)

	// Operational probes
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": opHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/diag", apis.MethodHandlers{
		"get": opHandler.DiagHandler(),
	})

	// Add logging
	muxRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(opHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(muxRouter, &http2.Server{}),
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
