package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/config"
	"github.com/kingdrowjin/jins-new-one/internal/adminapi"
	"github.com/kingdrowjin/jins-new-one/internal/app"
	"github.com/kingdrowjin/jins-new-one/internal/publicapi"
	"github.com/kingdrowjin/jins-new-one/internal/smsrelay"
	"github.com/kingdrowjin/jins-new-one/internal/transport/meow"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

var (
	h        bool
	showVer  bool
	conffile string
	initdb   bool
)

func init() {
	flag.BoolVar(&h, "h", false, "help usage")
	flag.BoolVar(&showVer, "v", false, "show version")
	flag.StringVar(&conffile, "c", "", "config file")
	flag.BoolVar(&initdb, "initdb", false, "drop and recreate all tables")
}

func printVersion() {
	fmt.Println("waplatform dev build")
}

func main() {
	flag.Parse()
	if h {
		flag.Usage()
		return
	}
	if showVer {
		printVersion()
		return
	}

	_ = godotenv.Load()

	cfg := config.LoadConfig(conffile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	// transport factory over the shared database
	factory, err := meow.NewFactory(application.SqlDB(), "postgres")
	if err != nil {
		zap.L().Fatal("transport factory init failed", zap.Error(err))
	}

	notifier := wasend.NewNotifier()
	backoff := wasend.NewBackoffPolicy(0, 0, nil)
	limiter := wasend.NewRateLimiter(cfg.Whatsapp.RateLimitMax,
		time.Duration(cfg.Whatsapp.RateLimitWindowSec)*time.Second)

	supervisor := wasend.NewSupervisor(
		wasend.NewGormSessionStore(application.DB()),
		factory,
		notifier,
		backoff,
		wasend.SupervisorConfig{
			MaxRetries:          cfg.Whatsapp.MaxRetries,
			HealthCheckInterval: time.Minute,
			RestoreStagger:      time.Duration(cfg.Whatsapp.RestoreStaggerMs) * time.Millisecond,
		},
	)

	dispatcher := wasend.NewDispatcher(
		supervisor,
		wasend.NewGormMessageLogStore(application.DB()),
		limiter,
		cfg.Whatsapp.DefaultCountryCode,
	)

	campaigns, err := wasend.NewCampaignRunner(application.DB(), dispatcher, 0,
		time.Duration(cfg.Whatsapp.CampaignDelayMs)*time.Millisecond)
	if err != nil {
		zap.L().Fatal("campaign runner init failed", zap.Error(err))
	}

	sms, err := smsrelay.NewRelay(cfg.Sms)
	if err != nil {
		zap.L().Fatal("sms relay init failed", zap.Error(err))
	}

	application.AttachMessaging(supervisor, dispatcher, campaigns, notifier, sms)

	webserver.Init(application)
	adminapi.RegisterRoutes()
	publicapi.RegisterRoutes()

	// bring previously paired sessions back up
	go func() {
		if err := supervisor.RestoreSessions(context.Background()); err != nil {
			zap.L().Error("session restore failed", zap.Error(err))
		}
	}()

	go func() {
		if err := webserver.Start(); err != nil {
			zap.L().Fatal("webserver stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	zap.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	supervisor.Shutdown(ctx)
	webserver.Shutdown()
}
