// cmd/tracker/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"

	"nomadnet/internal/adapter/api"
	"nomadnet/internal/adapter/eventbus"
	"nomadnet/internal/adapter/realtime"
	"nomadnet/internal/adapter/storage"
	"nomadnet/internal/config"
	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
	"nomadnet/internal/server"
	geoservice "nomadnet/internal/service/geo"
	"nomadnet/internal/service/location"
	nearbyservice "nomadnet/internal/service/nearby"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.With("main")

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	token := cfg.Session.Token
	if token == "" {
		log.Warn().Msg("SESSION_TOKEN not set, using an anonymous development session")
		token = "development"
	}
	session, err := identity.NewSession(ctx, token, cfg.Session.UserID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}

	// Initialize the last-known cache and restore from it
	cache, err := storage.OpenCache(cfg.Cache.Dir, session.UserID())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache")
	}
	defer cache.Close()

	store := nearbyservice.NewStore()
	if snap, err := cache.LoadSnapshot(ctx); err == nil {
		store.Restore(snap)
		log.Info().Int("entities", snap.Len()).Time("refreshed_at", snap.RefreshedAt).Msg("Restored last-known snapshot")
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to load cached snapshot")
	}

	// Initialize backend and location services
	client := api.NewClient(cfg.Backend.BaseURL, session, cfg.Backend.RequestTimeout)

	source := initSource(ctx, cfg.Sampler.GPSDAddr)
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}
	sampler := geoservice.NewSampler(source, geoservice.SamplerConfig{
		HighAccuracy: cfg.Sampler.HighAccuracy,
		Timeout:      cfg.Sampler.Timeout,
		MaxSampleAge: cfg.Sampler.MaxSampleAge,
		ErrorPause:   cfg.Sampler.ErrorPause,
	})
	defer sampler.Close()

	resolver := geoservice.NewNominatimResolver(geoservice.GeocoderConfig{
		BaseURL:           cfg.Geocode.BaseURL,
		UserAgent:         cfg.Geocode.UserAgent,
		Timeout:           cfg.Geocode.Timeout,
		RequestsPerSecond: cfg.Geocode.RequestsPerSecond,
		FailureThreshold:  uint32(cfg.Geocode.FailureThreshold),
		BreakerTimeout:    cfg.Geocode.BreakerTimeout,
	})

	syncService := location.NewSyncService(sampler, resolver, client, session, location.SyncConfig{
		Gate: geoservice.GateConfig{
			MovementThresholdMeters: cfg.Gate.MovementThresholdMeters,
			MinInterval:             cfg.Gate.MinInterval,
		},
		PushTimeout:    cfg.Backend.PushTimeout,
		ResolveTimeout: cfg.Geocode.Timeout,
	})

	restored, err := cache.LoadLocation(ctx)
	hasRestored := err == nil
	if hasRestored {
		syncService.Restore(restored)
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to load cached location")
	}

	// Initialize the realtime bridge
	wsURL, err := client.WebSocketURL(cfg.Realtime.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to derive realtime URL")
	}
	bridge := realtime.NewBridge(realtime.BridgeConfig{
		URL:                  wsURL,
		HandshakeTimeout:     cfg.Realtime.HandshakeTimeout,
		InitialBackoff:       cfg.Realtime.InitialBackoff,
		MaxBackoff:           cfg.Realtime.MaxBackoff,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		PingInterval:         cfg.Realtime.PingInterval,
		PongWait:             cfg.Realtime.PongWait,
		WriteWait:            cfg.Realtime.WriteWait,
	}, session, realtime.NewDispatcher(store))

	// Initialize nearby coordination
	types, err := parseKinds(cfg.Nearby.Types)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid NEARBY_TYPES")
	}
	filler := nearbyservice.NewFiller(nearbyservice.FillerConfig{
		PerKind:      cfg.Nearby.FillerPerKind,
		SpreadMeters: cfg.Nearby.FillerSpreadMeters,
	})
	refresher := nearbyservice.NewRefresher(client, store, syncService, filler, nearbyservice.RefresherConfig{
		RadiusMeters: cfg.Nearby.RadiusMeters,
		Limit:        cfg.Nearby.Limit,
		Types:        types,
		Interval:     cfg.Nearby.RefreshInterval,
		Timeout:      cfg.Nearby.RefreshTimeout,
	})
	follower := nearbyservice.NewFollower(bridge, refresher, nearbyservice.FollowerConfig{
		RadiusMeters:         cfg.Nearby.RadiusMeters,
		RejoinDistanceMeters: cfg.Nearby.RejoinDistanceMeters,
	})

	// Register commit handlers
	syncService.OnCommit(follower.HandleCommit)
	syncService.OnCommit(func(c geo.CommittedLocation) {
		if err := cache.SaveLocation(context.Background(), c); err != nil {
			log.Warn().Err(err).Msg("Failed to cache committed location")
		}
	})
	syncService.OnError(func(err error) {
		log.Warn().Err(err).Str("kind", geo.ErrorKind(err)).Msg("Location sampling error")
	})

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = eventbus.Connect(eventbus.Config{
			URL:            cfg.NATS.URL,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()

		publisher := eventbus.NewPublisher(natsConn, cfg.NATS.SubjectPrefix)
		syncService.OnCommit(publisher.PublishCommit)
		store.Subscribe(publisher.PublishChange)
	}

	// Start background workers
	var workers sync.WaitGroup
	checkpointer := storage.NewCheckpointer(cache, store, cfg.Cache.CheckpointInterval)
	workers.Add(2)
	go func() {
		defer workers.Done()
		checkpointer.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		refresher.Run(ctx)
	}()

	if err := bridge.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Realtime connect failed, retrying in background")
	}
	if hasRestored {
		follower.HandleCommit(restored)
	}
	if err := syncService.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start tracking")
	}

	// Initialize HTTP server
	httpServer := server.NewServer(cfg.Server, server.Dependencies{
		Base:      ctx,
		Tracker:   syncService,
		Realtime:  bridge,
		Store:     store,
		Refresher: refresher,
	})

	// Start HTTP server
	go func() {
		log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal or session end
	select {
	case <-shutdown:
		log.Info().Msg("Shutdown signal received")
	case <-session.Done():
		log.Info().Msg("Session ended")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	log.Info().Msg("Shutting down services...")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	syncService.Stop()
	follower.Close()
	if err := bridge.Close(); err != nil && !errors.Is(err, realtime.ErrClosed) {
		log.Error().Err(err).Msg("Realtime shutdown error")
	}

	cancel()
	workers.Wait()

	// In-flight pushes run on their own timeout
	syncService.Wait()

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Error().Err(err).Msg("NATS drain error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// initSource connects to gpsd. Without it tracking reports unsupported.
func initSource(ctx context.Context, addr string) geo.Source {
	source, err := geoservice.DialGPSD(ctx, addr)
	if err != nil {
		logging.Warn().Err(err).Str("addr", addr).Msg("gpsd unavailable")
		return unsupportedSource{err: err}
	}
	return source
}

type unsupportedSource struct {
	err error
}

func (s unsupportedSource) Next(ctx context.Context, highAccuracy bool) (geo.PositionSample, error) {
	return geo.PositionSample{}, s.err
}

func parseKinds(names []string) ([]nearby.Kind, error) {
	kinds := make([]nearby.Kind, 0, len(names))
	for _, name := range names {
		kind, err := nearby.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
