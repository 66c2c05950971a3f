package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/duchieu205/bookworld/pkg/app"
	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/discovery"
	"github.com/duchieu205/bookworld/pkg/grpc"
	"github.com/duchieu205/bookworld/pkg/reconcile"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting scheduler",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer engine.Close(context.Background())

	health := grpc.NewHealthServer(&cfg.Server, logger)
	go func() {
		if err := health.Start(); err != nil {
			logger.Error("Health server error", zap.Error(err))
		}
	}()
	defer health.Stop()

	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", zap.Error(err))
	}
	defer sd.Close()

	instance := &discovery.ServiceInstance{Name: cfg.Server.Name, Host: cfg.Server.Host, Port: cfg.Server.Port}
	if err := sd.Register(ctx, instance); err != nil {
		logger.Fatal("Failed to register service", zap.Error(err))
	}
	defer sd.Deregister(context.Background(), instance)

	system := actor.NewActorSystem()
	candidate := fmt.Sprintf("%s-%s", instance.Addr(), uuid.NewString())

	// Only the elected instance sweeps. Losing the lease stops the sweeps and
	// re-enters the campaign.
	for ctx.Err() == nil {
		if leader, err := sd.Leader(ctx, cfg.Scheduler.ElectionName); err == nil && leader != "" {
			logger.Info("Standing by", zap.String("leader", leader))
		}
		leadership, err := sd.Campaign(ctx, cfg.Scheduler.ElectionName, candidate)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Leader campaign failed", zap.Error(err))
			}
			break
		}
		health.SetLeader(true)

		scheduler := reconcile.NewScheduler(system, engine.Sweeper, cfg.Scheduler, logger)
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("Failed to start sweeps", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
		case <-leadership.Done():
			logger.Warn("Leadership lost")
		}

		scheduler.Stop()
		health.SetLeader(false)
		if err := leadership.Resign(context.Background()); err != nil {
			logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	logger.Info("Scheduler stopped")
}
