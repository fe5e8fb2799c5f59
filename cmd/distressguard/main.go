package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"distressguard/internal/alerts"
	"distressguard/internal/api"
	"distressguard/internal/config"
	"distressguard/internal/contacts"
	"distressguard/internal/escalation"
	"distressguard/internal/location"
	"distressguard/internal/logging"
	"distressguard/internal/metrics"
	"distressguard/internal/monitor"
	"distressguard/internal/notify"
	"distressguard/internal/recognizer"
	"distressguard/internal/storage"
	"distressguard/internal/transcribe"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "err", err)
	}

	configPath := flag.String("config", os.Getenv("DISTRESSGUARD_CONFIG"), "path to YAML or JSON config")
	flag.Parse()

	var manager *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		manager = m
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("distressguard starting",
		"version", version,
		"config", manager.Path(),
		"recognizer", cfg.Recognition.Provider,
		"location", cfg.Location.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("failed to initialize storage", "driver", cfg.Storage.Driver, "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("storage ready", "driver", cfg.Storage.Driver)
	}

	book := contacts.NewBook(store, logging.Component(logger, "contacts"))
	history := alerts.NewStore(cfg.Alerts.StoreLimit)

	notifier, closers := buildNotifier(cfg.Notify, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("notifier close failed", "err", err)
			}
		}
	}()

	tracker := location.NewTracker(buildPositioner(cfg.Location), monitor.TrackerConfig(cfg),
		logging.Component(logger, "location"), m)

	ctrl := escalation.NewController(monitor.ControllerConfig(cfg), escalation.Options{
		Location: tracker,
		Contacts: book,
		Notifier: notifier,
		History:  history,
		Sink:     store,
		Logger:   logging.Component(logger, "escalation"),
		Metrics:  m,
	})

	rec, recCloser := buildRecognizer(ctx, cfg.Recognition, logger)
	if recCloser != nil {
		defer recCloser.Close()
	}
	engine := transcribe.NewEngine(rec, monitor.EngineConfig(cfg), logging.Component(logger, "transcribe"), m)

	svc := monitor.New(monitor.Options{
		Engine:     engine,
		Tracker:    tracker,
		Controller: ctrl,
		Matcher:    monitor.NewMatcher(cfg),
		Logger:     logging.Component(logger, "monitor"),
		Metrics:    m,
	})

	api.Start(ctx, cfg.API, api.Options{
		Monitor:  svc,
		Contacts: book,
		History:  history,
		Storage:  store,
		Metrics:  m,
		Logger:   logging.Component(logger, "api"),
		Version:  version,
	})

	stopWatch := make(chan struct{})
	go manager.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", manager.Path())
		svc.ApplyConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	logger.Info("distressguard ready")
	_ = svc.Run(ctx, cfg.Recognition.AutoStart)
	close(stopWatch)
	logger.Info("distressguard stopped")
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, []io.Closer) {
	nlog := logging.Component(logger, "notify")
	var out notify.Multi
	var closers []io.Closer
	if cfg.Log {
		out = append(out, notify.NewLog(nlog))
	}
	if cfg.Webhook.Enabled {
		out = append(out, notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Token, nlog))
		logger.Info("webhook notifier enabled", "url", cfg.Webhook.URL)
	}
	if cfg.Kafka.Enabled {
		k := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, nlog)
		out = append(out, k)
		closers = append(closers, k)
		logger.Info("kafka notifier enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if cfg.NATS.Enabled {
		n, err := notify.NewNATS(cfg.NATS.URL, cfg.NATS.Subject, nlog)
		if err != nil {
			logger.Error("nats notifier unavailable", "url", cfg.NATS.URL, "err", err)
		} else {
			out = append(out, n)
			closers = append(closers, n)
			logger.Info("nats notifier enabled", "subject", cfg.NATS.Subject)
		}
	}
	if len(out) == 0 {
		logger.Warn("no notifier configured, alerts are only logged")
		out = append(out, notify.NewLog(nlog))
	}
	return out, closers
}

func buildRecognizer(ctx context.Context, cfg config.RecognitionConfig, logger *slog.Logger) (transcribe.Recognizer, io.Closer) {
	rlog := logging.Component(logger, "recognizer")
	switch strings.ToLower(cfg.Provider) {
	case "lines":
		return recognizer.NewLines(cfg.Lines.Source, rlog), nil
	case "tail":
		return recognizer.NewTail(cfg.Lines.Source, rlog), nil
	case "kafka":
		return recognizer.NewKafka(recognizer.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			TopicPartial: cfg.Kafka.TopicPartial,
			TopicFinal:   cfg.Kafka.TopicFinal,
			GroupID:      cfg.Kafka.GroupID,
		}, rlog), nil
	case "google":
		audio := io.Reader(os.Stdin)
		if src := cfg.Google.AudioSource; src != "" && src != "-" {
			f, err := os.Open(src)
			if err != nil {
				logger.Error("audio source unavailable", "path", src, "err", err)
				return transcribe.Unsupported{}, nil
			}
			audio = f
		}
		g, err := recognizer.NewGoogle(ctx, recognizer.GoogleConfig{
			CredentialsFile: cfg.Google.CredentialsFile,
			SampleRateHz:    cfg.Google.SampleRateHz,
			ChunkBytes:      cfg.Google.ChunkBytes,
		}, audio, rlog)
		if err != nil {
			logger.Error("speech client unavailable", "err", err)
			return transcribe.Unsupported{}, nil
		}
		return g, g
	}
	return transcribe.Unsupported{}, nil
}

func buildPositioner(cfg config.LocationConfig) location.Positioner {
	if strings.EqualFold(cfg.Provider, "static") {
		return location.StaticPositioner{Lat: cfg.Lat, Lng: cfg.Lng}
	}
	return location.Unsupported{}
}
