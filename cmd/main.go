package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"patient-monitor/internal/alerting"
	"patient-monitor/internal/api"
	"patient-monitor/internal/config"
	"patient-monitor/internal/database"
	"patient-monitor/internal/handler"
	"patient-monitor/internal/ingest"
	"patient-monitor/internal/logger"
	"patient-monitor/internal/realtime"
)

const (
	serviceName     = "patient-monitor"
	notifyQueueSize = 64
)

func main() {
	cfg := config.LoadConfig()
	log := logger.NewLogger(logger.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: serviceName,
		File:        cfg.LogFile,
		ToConsole:   cfg.LogToConsole,
	})
	defer func() { _ = log.Sync() }()

	log.Info("Starting patient monitoring service...")
	logConfiguration(log, cfg)

	repo, err := database.NewRepository(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hub := realtime.NewHub(log)
	var publisher realtime.Publisher = hub
	if cfg.RedisAddr != "" {
		bus, err := realtime.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel, log)
		if err != nil {
			log.Warn("Redis unavailable, live updates stay local", zap.Error(err))
		} else if err := bus.StartForwarder(ctx, hub.Broadcast); err != nil {
			log.Warn("Redis forwarder failed, live updates stay local", zap.Error(err))
			_ = bus.Close()
		} else {
			defer bus.Close()
			publisher = bus
		}
	}

	var mailer alerting.Mailer
	if cfg.MailEnabled() {
		smtpMailer, err := alerting.NewSMTPMailer(cfg)
		if err != nil {
			log.Warn("Alert email disabled", zap.Error(err))
		} else {
			mailer = smtpMailer
		}
	}

	disseminator := alerting.NewDisseminator(repo, publisher, mailer, cfg.SMTPFrom, cfg.AlertFallbackEmail, log)
	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	notifierDone := disseminator.StartNotifier(notifyCtx, notifyQueueSize)
	persister := ingest.NewVitalsPersister(repo, publisher, cfg.DefaultPatientID, cfg.AllowDynamicPatients, log)
	gateway := ingest.NewGateway(ingest.Options{
		DefaultPatientID:     cfg.DefaultPatientID,
		AllowDynamicPatients: cfg.AllowDynamicPatients,
		SensorPrefix:         cfg.MQTTSensorPrefix,
		Thresholds:           alerting.Thresholds{HeartRateHigh: cfg.HeartRateHigh, SpO2Low: cfg.SpO2Low},
	}, ingest.NewCorrelator(cfg.PairWindow, cfg.FallbackPairWindow), persister, disseminator, repo, log)

	mqttClient, err := handler.InitializeMQTT(ctx, cfg, gateway, log)
	if err != nil {
		log.Error("Failed to initialize MQTT client, continuing without ingestion", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterConfig{
		Handler:         api.NewHandler(repo, disseminator, handler.NewMQTTPublisher(mqttClient, cfg), cfg.DefaultPatientID, log),
		LiveUpdates:     hub.ServeWS,
		AllowedOrigins:  cfg.AllowedOrigins,
		EnableDevRoutes: !cfg.IsProduction(),
		Logger:          log,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	if cfg.KafkaEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := handler.RunKafkaConsumer(ctx, cfg, func(value []byte) {
				gateway.HandleJSON(ctx, value)
			}, log)
			if err != nil {
				log.Error("Kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	log.Info("🚀 Service started successfully. Waiting for messages...")

	select {
	case <-sigChan:
		log.Info("Shutdown signal received, closing consumers...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	handler.DisconnectMQTT(mqttClient, log)

	wg.Wait()

	notifyCancel()
	select {
	case <-notifierDone:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("Alert mail still pending at shutdown")
	}
	log.Info("All services closed. Exiting.")
}

func logConfiguration(log *zap.Logger, cfg *config.Config) {
	log.Info("--- Service Configuration ---")
	log.Info("Environment", zap.String("app_env", cfg.AppEnv), zap.String("port", cfg.Port))
	log.Info("DB Path", zap.String("path", cfg.DBPath))
	log.Info("MQTT Broker URL", zap.String("broker", cfg.MQTTBroker), zap.String("topics", strings.Join(cfg.MQTTTopics, ",")))
	log.Info("Patient policy",
		zap.String("default_patient_id", cfg.DefaultPatientID),
		zap.Bool("allow_dynamic_patients", cfg.AllowDynamicPatients),
	)
	log.Info("MQTT Password: " + setOrNot(cfg.MQTTPassword))
	log.Info("SMTP Host: " + setOrNot(cfg.SMTPHost))
	log.Info("SMTP Password: " + setOrNot(cfg.SMTPPass))
	if cfg.KafkaEnabled {
		log.Info("Kafka Brokers", zap.String("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.VitalsTopic))
	}
	log.Info("Redis: " + setOrNot(cfg.RedisAddr))
	log.Info("---------------------------")
}

func setOrNot(value string) string {
	if value != "" {
		return "[SET]"
	}
	return "[NOT SET]"
}
