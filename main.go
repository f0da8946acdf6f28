package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sensor-health/internal/audit"
	"sensor-health/internal/auth"
	"sensor-health/internal/config"
	"sensor-health/internal/logging"
	"sensor-health/internal/observability/metrics"
	sensorapp "sensor-health/internal/sensors/application"
	sensorkafka "sensor-health/internal/sensors/infrastructure/kafka"
	sensorrepo "sensor-health/internal/sensors/infrastructure/postgres"
	sensorhttp "sensor-health/internal/sensors/interfaces/http"
	kafkaconsumer "sensor-health/internal/sensors/interfaces/kafka"
	"sensor-health/internal/sensors/ledger"
	"sensor-health/internal/sensors/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		logrus.WithError(err).Fatal("logger init error")
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Fatal("db open error")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Fatal("db ping error")
	}
	if cfg.Database.Migrate {
		if err := sensorrepo.Migrate(ctx, db); err != nil {
			logger.WithError(err).Fatal("db migrate error")
		}
		logger.Info("database migrated")
	}

	metrics.Init(db, logger)
	sensorChecker := auth.NewSensorChecker(db)
	auditRepo := audit.NewRepository(db)

	sensorRepo := sensorrepo.NewSensorRepository(db)
	readingRepo := sensorrepo.NewReadingRepository(db)
	thresholdRepo := sensorrepo.NewThresholdRepository(db)
	accessRepo := sensorrepo.NewAccessRepository(db)
	alertLedger := buildLedger(db, cfg.Engine)
	logger.WithField("driver", cfg.Engine.LedgerDriver).Info("notification ledger ready")

	renderer, err := buildTemplate(cfg.Template)
	if err != nil {
		logger.WithError(err).Fatal("alert template error")
	}
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("alert transport error")
	}

	broker := sensorhttp.NewStatusBroker()
	statusSinks := []notify.StatusNotifier{broker}
	var statusPublisher *sensorkafka.StatusPublisher
	if cfg.KafkaEnabled() && cfg.Kafka.StatusTopic != "" {
		statusPublisher, err = sensorkafka.NewStatusPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic, logger)
		if err != nil {
			logger.WithError(err).Fatal("status publisher error")
		}
		defer statusPublisher.Close()
		statusSinks = append(statusSinks, statusPublisher)
	}

	dispatcher, err := sensorapp.NewDispatcher(
		sensorRepo,
		readingRepo,
		thresholdRepo,
		alertLedger,
		accessRepo,
		transport,
		renderer,
		sensorapp.WithOfflineThreshold(cfg.Engine.OfflineThreshold),
		sensorapp.WithWorkers(cfg.Engine.Workers),
		sensorapp.WithRunTimeout(cfg.Engine.RunTimeout),
		sensorapp.WithNotifyOffline(cfg.Engine.NotifyOffline),
		sensorapp.WithCooldown(cfg.Engine.Cooldown),
		sensorapp.WithStatusNotifier(notify.NewMultiNotifier(statusSinks...)),
		sensorapp.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("dispatcher error")
	}

	scheduler := sensorapp.NewScheduler(dispatcher, cfg.Engine.Interval, cfg.Engine.SweepInterval, logger)
	go scheduler.Start(ctx)

	if cfg.KafkaEnabled() && cfg.Kafka.ReadingTopic != "" {
		consumer, err := kafkaconsumer.NewReadingConsumer(kafkaconsumer.ReadingConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.ReadingTopic,
			GroupID:     cfg.Kafka.GroupID,
			PollTimeout: cfg.Kafka.PollTimeout,
		}, dispatcher, logger)
		if err != nil {
			logger.WithError(err).Fatal("reading consumer error")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("reading consumer stopped")
			}
		}()
	}

	sensorHandler, err := sensorhttp.NewHandler(dispatcher, alertLedger, sensorChecker, auditRepo, logger)
	if err != nil {
		logger.WithError(err).Fatal("sensor handler error")
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy)
	if cfg.Auth.TriggerSecret != "" {
		authMiddleware.Signed = auth.NewSignedRequestMiddleware([]byte(cfg.Auth.TriggerSecret), cfg.Auth.TriggerMaxSkew)
	}

	mux := http.NewServeMux()
	mux.Handle("/internal/v1/dispatch/run", sensorHandler)
	mux.Handle("/api/v1/sensors/stream", sensorhttp.NewStreamHandler(broker, sensorChecker))
	mux.Handle("/api/v1/sensors/ws", sensorhttp.NewWebSocketHandler(broker, sensorChecker, cfg.HTTP.AllowedOrigins, logger))
	mux.Handle("/api/v1/sensors/", sensorHandler)
	mux.Handle("/api/v1/notifications", sensorHandler)
	mux.Handle("/api/v1/notifications/", sensorHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown error")
		}
	}()

	logger.WithField("addr", cfg.HTTP.Addr).Info("http listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("http server error")
	}
	logger.Info("shutdown complete")
}

type notificationLedger interface {
	sensorapp.NotificationLedger
	sensorapp.LedgerReader
}

// buildLedger picks the notification ledger. The memory driver keeps cooldowns per process
// and suits single-instance deployments only.
func buildLedger(db *sql.DB, cfg config.EngineConfig) notificationLedger {
	if cfg.LedgerDriver == config.LedgerMemory {
		return ledger.NewMemoryLedger(
			ledger.WithCooldown(cfg.Cooldown),
			ledger.WithReservationTTL(cfg.ReservationTTL),
		)
	}
	return sensorrepo.NewLedgerRepository(db,
		sensorrepo.WithCooldown(cfg.Cooldown),
		sensorrepo.WithReservationTTL(cfg.ReservationTTL),
	)
}

func buildTemplate(cfg config.TemplateConfig) (*notify.Template, error) {
	subject := notify.DefaultSubjectTemplate
	if cfg.Subject != "" {
		subject = cfg.Subject
	}
	body := notify.DefaultTemplate
	if cfg.BodyFile != "" {
		raw, err := os.ReadFile(cfg.BodyFile)
		if err != nil {
			return nil, err
		}
		body = string(raw)
	}
	return notify.NewTemplate(subject, body, notify.WithDashboardURL(cfg.DashboardURL))
}

func buildTransport(cfg config.Config, logger logrus.FieldLogger) (*notify.MultiTransport, error) {
	smtpTransport, err := notify.NewSMTPTransport(notify.SMTPConfig{
		Host:          cfg.SMTP.Host,
		Port:          cfg.SMTP.Port,
		Username:      cfg.SMTP.Username,
		Password:      cfg.SMTP.Password,
		From:          cfg.SMTP.From,
		FromName:      cfg.SMTP.FromName,
		RatePerSecond: cfg.SMTP.RatePerSecond,
	})
	if err != nil {
		return nil, err
	}
	var mirrors []notify.Transport
	if cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhookTransport(cfg.Webhook.URL, notify.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout}))
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, webhook)
	}
	return notify.NewMultiTransport(logger, smtpTransport, mirrors...)
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE working through the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
