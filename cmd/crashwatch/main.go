package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"crashwatch/internal/alert"
	"crashwatch/internal/auth"
	"crashwatch/internal/config"
	"crashwatch/internal/detection"
	"crashwatch/internal/location"
	"crashwatch/internal/logging"
	"crashwatch/internal/notify"
	"crashwatch/internal/pipeline"
	"crashwatch/internal/pipeline/detectors"
	"crashwatch/internal/services"
	"crashwatch/internal/store"
	"crashwatch/internal/stream"
	"crashwatch/internal/telegram"
	"crashwatch/internal/ws"
)

func main() {
	var (
		envF   = flag.String("env", ".env", "Optional dotenv file loaded before the environment")
		addrF  = flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		debugF = flag.Bool("debug", false, "Log at debug level")
	)
	flag.Parse()

	cfg := config.Load(*envF)
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	if *debugF {
		cfg.LogLevel = "debug"
	}

	logger, closeLog, err := logging.New("crashwatch", logging.Options{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("exited with error", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	for _, w := range cfg.Warnings {
		logger.Warnw("configuration", "warning", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detection model, chosen once for the life of the process
	registry := buildDetectors(cfg, logger)
	var detector pipeline.Detector
	{
		startupCtx, stop := context.WithTimeout(ctx, 10*time.Second)
		if d, ok := registry.SelectHealthy(startupCtx); ok {
			detector = d
		}
		stop()
	}

	// Stores
	var primary, mirror store.Store
	{
		startupCtx, stop := context.WithTimeout(ctx, 15*time.Second)
		primary = store.Select(startupCtx, logger, cfg.MemoryRetention, storeCandidates(startupCtx, cfg, logger)...)
		mirror = buildMirror(startupCtx, cfg, primary, logger)
		stop()
	}

	var settings store.SettingsStore
	if s, ok := primary.(store.SettingsStore); ok {
		settings = s
	} else if s, ok := mirror.(store.SettingsStore); ok {
		settings = s
	}

	// Notification channels
	var (
		sms      alert.SMSSender
		email    alert.EmailSender
		photo    alert.PhotoSender
		locator  location.Locator
		tgBot    *telegram.TelegramBot
		previews = stream.NewManager(logger)
		bus      = alert.NewEventBus()
		hub      = ws.NewAlertHub(logger)
	)
	if cfg.TwilioConfigured() {
		s, err := notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			FromNumber:    cfg.TwilioPhoneNumber,
			RatePerSecond: cfg.SMSRatePerSecond,
			Logger:        logger,
		})
		if err != nil {
			logger.Warnw("SMS alerts disabled", "error", err)
		} else {
			sms = s
		}
	}
	if cfg.SMTPConfigured() {
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Timeout:  cfg.DispatchTimeout,
		})
		if err != nil {
			logger.Warnw("email alerts disabled", "error", err)
		} else {
			email = s
		}
	}
	if cfg.TelegramConfigured() {
		tgBot = telegram.NewTelegramBot(telegram.Config{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
			Enabled:  true,
			Logger:   logger,
		})
		photo = tgBot
	}
	if gl, err := location.NewProviderLocator(cfg.Geocoder, cfg.GeocoderAPIKey, location.DefaultLookupTimeout); err != nil {
		logger.Warnw("reverse geocoding disabled", "error", err)
	} else if gl != nil {
		locator = gl
	}
	unsubscribe := hub.Attach(bus)
	defer unsubscribe()

	dispatcher := alert.NewDispatcher(alert.Config{
		Primary:         primary,
		Mirror:          mirror,
		SMS:             sms,
		SMSRecipients:   cfg.EmergencyContacts,
		Email:           email,
		EmailRecipients: cfg.AlertEmails,
		Telegram:        photo,
		Snapshot:        stream.Annotate,
		Locator:         locator,
		Bus:             bus,
		Timeout:         cfg.DispatchTimeout,
		Logger:          logger,
	})

	svc := services.NewAccidentService(services.AccidentServiceConfig{
		Detector:        detector,
		Threshold:       cfg.AccidentThreshold,
		Cooldown:        cfg.AlertCooldown,
		MaxFramePixels:  cfg.MaxFramePixels,
		Dispatcher:      dispatcher,
		Settings:        settings,
		Previews:        previews,
		Observer:        hub,
		DefaultLocation: store.Coordinates{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng},
		Logger:          logger,
	})
	svc.RestoreLocation(ctx)

	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:  cfg.AuthEnabled,
		Operator: cfg.AuthUsername,
		Password: cfg.AuthPassword,
		Secret:   cfg.JWTSecret,
		TokenTTL: cfg.JWTExpiry,
	})
	if err != nil {
		return err
	}

	logger.Infow("crashwatch starting",
		"store", primary.Name(),
		"mirror", storeName(mirror),
		"detector", svc.DetectorName(),
		"degraded", svc.Degraded(),
		"sms", sms != nil,
		"email", email != nil,
		"telegram", photo != nil,
		"cooldown", cfg.AlertCooldown,
	)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	if tgBot != nil {
		commands := telegram.NewCommandHandler(tgBot, svc, previews)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := commands.StartPolling(ctx); err != nil {
				logger.Warnw("telegram commands disabled", "error", err)
			}
		}()
	}

	api := &apiServer{
		accidents: svc,
		health:    services.NewHealthService(svc, primary, detector),
		auth:      authenticator,
		previews:  previews,
		hub:       hub,
		logger:    logger.Named("http"),
	}
	handleHTTPServer(ctx, cfg.HTTPAddr, api.routes(), &wg, errc, logger)

	reason := <-errc
	logger.Infow("exiting", "reason", reason)

	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*cfg.DispatchTimeout)
	defer stop()

	var errs error
	if err := svc.Close(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("pending alerts: %w", err))
	}
	errs = multierr.Append(errs, registry.Close())
	errs = multierr.Append(errs, primary.Close())
	if mirror != nil {
		errs = multierr.Append(errs, mirror.Close())
	}

	var serveErr *serveError
	if errors.As(reason, &serveErr) {
		errs = multierr.Append(errs, serveErr)
	}
	logger.Infow("exited")
	return errs
}

func buildDetectors(cfg *config.Config, logger *zap.SugaredLogger) *detectors.Registry {
	registry := detectors.NewRegistry()

	if cfg.DetectorGRPCEndpoint != "" {
		gd, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
			Endpoint: cfg.DetectorGRPCEndpoint,
			Logger:   logger,
		})
		if err != nil {
			logger.Warnw("gRPC detector unavailable", "endpoint", cfg.DetectorGRPCEndpoint, "error", err)
		} else if err := registry.Register(detectors.NewGRPCAdapter(gd, 0)); err != nil {
			logger.Warnw("failed to register detector", "error", err)
		}
	}

	if cfg.DetectorHTTPEndpoint != "" {
		hd := detection.NewHTTPDetector(cfg.DetectorHTTPEndpoint, logger)
		if err := registry.Register(detectors.NewYOLOAdapter(hd, 0)); err != nil {
			logger.Warnw("failed to register detector", "error", err)
		}
	}

	return registry
}

// storeCandidates lists durable stores in preference order
func storeCandidates(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) []store.Store {
	var candidates []store.Store

	if cfg.MongoURI != "" && cfg.MirrorStore != config.MirrorMongo {
		m, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Warnw("mongo store unavailable", "error", err)
		} else {
			candidates = append(candidates, m)
		}
	}

	if cfg.SQLitePath != "" {
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			logger.Warnw("sqlite store unavailable", "path", cfg.SQLitePath, "error", err)
		} else {
			candidates = append(candidates, s)
		}
	}

	return candidates
}

// buildMirror opens the optional mirror store. A mirror that would be the
// primary itself is ignored.
func buildMirror(ctx context.Context, cfg *config.Config, primary store.Store, logger *zap.SugaredLogger) store.Store {
	var mirror store.Store

	switch cfg.MirrorStore {
	case config.MirrorMongo:
		if cfg.MongoURI == "" {
			logger.Warnw("MIRROR_STORE=mongo needs MONGO_URI, mirror disabled")
			return nil
		}
		m, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Warnw("mirror store unavailable", "error", err)
			return nil
		}
		mirror = m
	case config.MirrorSQLite:
		if sq, ok := primary.(*store.SQLiteStore); ok && sq.Path() == cfg.MirrorSQLitePath {
			logger.Warnw("mirror is the primary store, mirror disabled", "path", cfg.MirrorSQLitePath)
			return nil
		}
		s, err := store.NewSQLiteStore(cfg.MirrorSQLitePath)
		if err != nil {
			logger.Warnw("mirror store unavailable", "error", err)
			return nil
		}
		mirror = s
	default:
		return nil
	}

	if err := mirror.Ping(ctx); err != nil {
		logger.Warnw("mirror store unreachable, mirror disabled", "store", mirror.Name(), "error", err)
		_ = mirror.Close()
		return nil
	}
	logger.Infow("mirroring records", "store", mirror.Name())
	return mirror
}

func storeName(s store.Store) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}
