package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/joho/godotenv"

	"github.com/warelabs/floortrack/auth"
	"github.com/warelabs/floortrack/config"
	"github.com/warelabs/floortrack/detect"
	"github.com/warelabs/floortrack/realtime"
	"github.com/warelabs/floortrack/repository"
	"github.com/warelabs/floortrack/server"
	service_registry "github.com/warelabs/floortrack/srvreg"
)

var (
	configPath string
	httpPort   string
	seedData   bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to config file (optional)")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port (overrides config)")
	flag.BoolVar(&seedData, "seed", false, "Seed demo data after migration")
}

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if httpPort == "" {
		httpPort = cfg.HTTPPort()
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	// Connect Postgresql DB
	repo := repository.NewRepository(logger)
	logger.Info("Connecting to database")
	if err := repo.ConnectDB(cfg.DatabaseDSN()); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating schema: %v", err)
	}
	if seedData {
		if err := repo.Seed(); err != nil {
			log.Fatalf("Seeding demo data: %v", err)
		}
	}

	// Event journal and broadcaster
	journal, err := realtime.OpenJournal(cfg.JournalPath(), uint64(cfg.JournalRetention()))
	if err != nil {
		log.Fatalf("Opening event journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("Closing event journal", "err", err)
		}
	}()

	broadcaster := realtime.NewBroadcaster(journal, logger)
	repo.SetPublisher(broadcaster)

	// PIN credentials resolve against the employee directory
	repo.SetPinResolver(auth.NewPinResolver(repo))

	// Exception detection
	engine := detect.NewEngine(detect.Thresholds{
		StaleBreakFlag:     cfg.StaleBreakFlag(),
		StaleBreakCritical: cfg.StaleBreakCritical(),
		NearLimitRatio:     cfg.NearLimitRatio(),
		DefaultDailyHours:  cfg.DefaultDailyHours(),
		DefaultWeeklyHours: cfg.DefaultWeeklyHours(),
		CriticalSLA:        cfg.CriticalSLA(),
		HighSLA:            cfg.HighSLA(),
	}, logger)

	// Initialize Service Registry
	serviceRegistry := service_registry.NewServiceRegistry(repo, engine, cfg.TaskAssignmentMode(), logger)
	serviceRegistry.RegisterDefaultServices()

	sessions := auth.NewSessionValidator(cfg.JWTSecret())

	// Start Web Server
	webserver := server.NewWebServer(httpPort, logger, serviceRegistry, sessions, broadcaster)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
