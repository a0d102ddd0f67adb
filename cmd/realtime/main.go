package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/api"
	"github.com/fathima-sithara/counsel-realtime/internal/auth"
	"github.com/fathima-sithara/counsel-realtime/internal/broadcast"
	"github.com/fathima-sithara/counsel-realtime/internal/chat"
	"github.com/fathima-sithara/counsel-realtime/internal/config"
	"github.com/fathima-sithara/counsel-realtime/internal/events"
	"github.com/fathima-sithara/counsel-realtime/internal/logger"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
	"github.com/fathima-sithara/counsel-realtime/internal/metrics"
	"github.com/fathima-sithara/counsel-realtime/internal/notify"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
	"github.com/fathima-sithara/counsel-realtime/internal/store"
	"github.com/fathima-sithara/counsel-realtime/internal/store/memory"
	mongostore "github.com/fathima-sithara/counsel-realtime/internal/store/mongo"
	"github.com/fathima-sithara/counsel-realtime/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// message store
	var st store.Store
	if cfg.UseMongo() {
		mc, err := mongostore.NewClient(ctx, cfg.Mongo.URI)
		if err != nil {
			lg.Fatal("mongo init", zap.Error(err))
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		repo, err := mongostore.NewRepository(ctx, mc.Database(cfg.Mongo.Database), lg)
		if err != nil {
			lg.Fatal("mongo indexes", zap.Error(err))
		}
		st = repo
	} else {
		lg.Warn("mongo.uri not set, using in-memory store")
		st = memory.New()
	}

	// message events out
	var pub events.Publisher = events.Nop{}
	if cfg.UseKafka() {
		prod := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMessages)
		defer func() { _ = prod.Close() }()
		pub = prod
	}

	reg := registry.New(cfg.WS.SendBuffer, lg)
	bc := broadcast.New(reg, lg)
	chatSvc := chat.NewService(st, bc, pub, lg)

	// presence falls back to process-local when redis is unreachable
	var pres presence.Tracker
	if rc, err := presence.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		lg.Warn("redis unavailable, presence is process-local", zap.Error(err))
		pres = presence.NewLocal()
	} else {
		rs := presence.NewRedisStore(rc, cfg.Redis.Prefix, cfg.PresenceTTL)
		defer func() { _ = rs.Close() }()
		pres = rs
	}

	var objects media.Storage
	if cfg.UseS3() {
		s3s, err := media.NewS3Storage(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.PublicRead)
		if err != nil {
			lg.Fatal("s3 init", zap.Error(err))
		}
		objects = s3s
	} else {
		lg.Warn("s3.bucket not set, attachments are kept in memory")
		objects = media.NewMemoryStorage()
	}
	mediaSvc := media.NewService(objects, lg)

	verifier, err := auth.New(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		lg.Fatal("jwt init", zap.Error(err))
	}

	wsh := ws.NewHandler(reg, chatSvc, pres, verifier, ws.Options{
		PingInterval:   cfg.PingInterval,
		WriteDeadline:  cfg.WriteDeadline,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		RatePerSec:     cfg.WS.RateLimitPerSec,
	}, lg)

	app := api.NewServer(api.Deps{
		Chat:          chatSvc,
		Media:         mediaSvc,
		Presence:      pres,
		Verifier:      verifier,
		WS:            wsh,
		Logger:        lg,
		AllowOrigins:  cfg.App.AllowOrigins,
		RequestLogger: cfg.App.Env == "dev",
	})

	// appointment notifications in
	if cfg.UseKafka() {
		cons := notify.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAppointments, cfg.Kafka.GroupID, notify.NewFanout(reg, bc, lg), lg)
		defer func() { _ = cons.Close() }()
		go func() {
			if err := cons.Run(ctx); err != nil {
				lg.Error("appointment consumer stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("realtime service listening", zap.String("port", cfg.App.PortString()))
		errCh <- app.Listen(":" + cfg.App.PortString())
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("server listen", zap.Error(err))
		}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := app.ShutdownWithTimeout(timeout); err != nil {
		lg.Warn("shutdown", zap.Error(err))
	}
	lg.Info("realtime service stopped")
}
