package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"climate_bridge/internal/auth"
	"climate_bridge/internal/engine"
	"climate_bridge/internal/handlers"
	"climate_bridge/internal/logger"
	"climate_bridge/internal/metrics"
	"climate_bridge/internal/quota"
	"climate_bridge/internal/repository"
	"climate_bridge/internal/repository/db"
	"climate_bridge/internal/server"
	"climate_bridge/internal/upstream"
)

func main() {
	// load config.yml first so the log level comes from it
	if err := loadConfig(); err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(viper.GetString("log.level"))

	// open DB
	database, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := database.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(database)
	authSvc := auth.NewService(repos.Auth, viper.GetString("auth.signing_key"))
	collector := metrics.NewCollector()

	// The simulated upstream stands in for the vendor API.
	client := upstream.NewSimClient()

	eng, err := engine.New(engineConfig(), client, repos, collector, log.Named("engine"))
	if err != nil {
		log.Fatalw("failed to build engine", "err", err)
	}

	apiHandler := handlers.NewHandler(eng, authSvc, repos.EventRepo, collector.Handler(), log.Named("http"))

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// start the poll loop and command worker
	go eng.Run(ctx)

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

// engineConfig maps the configuration file onto the engine's settings,
// falling back to the documented defaults for anything unset.
func engineConfig() engine.Config {
	viper.SetDefault("poll.slow_interval", "24h")
	viper.SetDefault("poll.debounce_window", "5s")
	viper.SetDefault("poll.min_floor", "15s")
	viper.SetDefault("poll.optimistic_grace", "30s")
	viper.SetDefault("quota.percent", 80)
	viper.SetDefault("quota.threshold", 10)
	viper.SetDefault("quota.reset_timezone", "Europe/Berlin")
	viper.SetDefault("quota.reset_hour", 0)
	viper.SetDefault("quota.reset_minute", 1)

	cfg := engine.Config{
		FastPollInterval:            viper.GetDuration("poll.fast_interval"),
		SlowPollInterval:            viper.GetDuration("poll.slow_interval"),
		OffsetPollInterval:          viper.GetDuration("poll.offset_interval"),
		ThrottleThreshold:           viper.GetInt("quota.threshold"),
		QuotaPercent:                viper.GetInt("quota.percent"),
		Timezone:                    viper.GetString("quota.reset_timezone"),
		ResetHour:                   viper.GetInt("quota.reset_hour"),
		ResetMinute:                 viper.GetInt("quota.reset_minute"),
		DebounceWindow:              viper.GetDuration("poll.debounce_window"),
		MinFloor:                    viper.GetDuration("poll.min_floor"),
		OptimisticGrace:             viper.GetDuration("poll.optimistic_grace"),
		DisablePollingWhenThrottled: viper.GetBool("quota.disable_polling_when_throttled"),
	}

	start := viper.GetString("quota.reduced_window.start")
	end := viper.GetString("quota.reduced_window.end")
	interval := viper.GetDuration("quota.reduced_window.interval")
	if win, err := quota.ParseReducedWindow(start, end, interval); err == nil {
		cfg.ReducedWindow = win
	} else {
		logger.Get(logger.InfoLevel).Warnw("ignoring invalid reduced window", "start", start, "end", end, "err", err)
	}
	return cfg
}

// openDB initializes the SQLite database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", "bridge.db")
		dbPath = "bridge.db"
	}
	return db.InitDB(dbPath)
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// stop the poll loop and command worker
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
