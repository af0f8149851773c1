package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/call"
	"github.com/mikeyg42/rtcall/internal/config"
	"github.com/mikeyg42/rtcall/internal/ice"
	"github.com/mikeyg42/rtcall/internal/media"
	"github.com/mikeyg42/rtcall/internal/presence"
	"github.com/mikeyg42/rtcall/internal/rtc"
	sig "github.com/mikeyg42/rtcall/internal/signal"
	"github.com/mikeyg42/rtcall/internal/store"
	"github.com/mikeyg42/rtcall/internal/validate"
)

// Application holds all components
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	cache     *store.Store
	signaling *sig.Manager
	presence  *presence.Store
	machine   *call.Machine
}

func main() {
	cfg := config.NewDefaultConfig()

	var endpoints string
	var authToken string
	var track string
	var matchmake bool
	flag.StringVar(&cfg.SelfID, "id", "", "identity to authenticate as")
	flag.StringVar(&endpoints, "endpoints", strings.Join(cfg.SignalEndpoints, ","), "comma-separated signaling endpoints")
	flag.StringVar(&authToken, "token", "", "auth token for the control channel")
	flag.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "path of the local cache database")
	flag.StringVar(&track, "track", "", "comma-separated user ids to track presence for")
	flag.BoolVar(&matchmake, "matchmake", false, "search for a random partner and call them")
	flag.Parse()

	cfg.SignalEndpoints = strings.Split(endpoints, ",")

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := validate.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(authToken, splitIDs(track), matchmake); err != nil {
		logger.Fatal("error during run", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	cache, err := store.Open(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	signaling, err := sig.NewManager(cfg, cache, logger)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to create signal manager: %w", err)
	}

	engine, err := media.NewDeviceEngine(cfg.MediaConfig, logger)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}

	resolver := ice.NewResolver(
		cache,
		&ice.HTTPSource{URL: cfg.IceConfig.BrokerURL},
		cfg.IceConfig.CacheTTL,
		cfg.IceConfig.ResolveBudget,
		logger,
		ice.WithVerifier(ice.NewVerifier(0, logger)),
	)

	presenceStore := presence.NewStore(cfg.SelfID, signaling, logger)
	presenceStore.Bind(signaling)

	machine := call.NewMachine(
		cfg.SelfID,
		signaling,
		resolver,
		&rtc.PeerFactory{Selector: engine.CodecSelector(), Logger: logger},
		engine,
		presenceStore,
		ice.StaticServers(cfg.IceConfig.StaticServers),
		logger,
	)
	machine.Bind(signaling)

	return &Application{
		config:    cfg,
		logger:    logger,
		cache:     cache,
		signaling: signaling,
		presence:  presenceStore,
		machine:   machine,
	}, nil
}

func (app *Application) Run(authToken string, trackIDs []string, matchmake bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := app.signaling.Connect(ctx, authToken); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	for _, id := range trackIDs {
		app.presence.Track(id)
	}

	app.presence.Subscribe(func(snapshot map[string]presence.Record) {
		for _, rec := range snapshot {
			app.logger.Info("presence",
				zap.String("user", rec.UserID),
				zap.Bool("online", rec.Online),
				zap.Bool("on_call", rec.OnCall))
		}
	})

	app.machine.OnStateChange(func(change call.StateChange) {
		app.logger.Info("call",
			zap.Stringer("from", change.From),
			zap.Stringer("to", change.To),
			zap.String("peer", change.PeerID))
	})

	if matchmake {
		if err := app.machine.SetReady(true); err != nil {
			return fmt.Errorf("failed to announce readiness: %w", err)
		}
		if err := app.machine.FindPartner(nil); err != nil {
			return fmt.Errorf("failed to start partner search: %w", err)
		}
	}

	<-ctx.Done()
	app.logger.Info("shutting down")
	return nil
}

func (app *Application) Cleanup() {
	app.machine.EndCall(call.ReasonHangup)
	app.signaling.Disconnect()
	if app.cache != nil {
		app.cache.Close()
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
