package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/config"
	"github.com/iliyamo/bus-ticketing/internal/database"
	"github.com/iliyamo/bus-ticketing/internal/handler"
	"github.com/iliyamo/bus-ticketing/internal/holdstore"
	"github.com/iliyamo/bus-ticketing/internal/middleware"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/queue"
	"github.com/iliyamo/bus-ticketing/internal/remote"
	"github.com/iliyamo/bus-ticketing/internal/repository"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
	"github.com/iliyamo/bus-ticketing/internal/router"
	"github.com/iliyamo/bus-ticketing/internal/storage/memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("bus-server", pflag.ContinueOnError)
	configFile := flags.String("config", os.Getenv("CONFIG_FILE"), "YAML file with default settings (env vars win)")
	migrate := flags.Bool("migrate", false, "apply the ledger schema before serving")
	dev := flags.Bool("dev", false, "in-memory ledger with a seeded schedule; prints an admin token")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	_ = godotenv.Load()
	if *configFile != "" {
		if _, err := config.ApplyFile(*configFile); err != nil {
			return err
		}
	}
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		ledger    reservation.Ledger
		schedules reservation.Schedules
		db        *sql.DB
	)
	if *dev {
		ledger = memory.NewLedger()
		schedules = memory.NewSchedules(model.Schedule{
			ID: 1, RouteName: "Pune - Mumbai", BusNumber: "MH12AB1234", DepartureTime: "06:30",
			Fare: decimal.RequireFromString("450.00"), TotalSeats: 40,
		})
		logger.Warn("dev mode: bookings are kept in memory")
	} else {
		db, err = database.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		defer db.Close()
		if *migrate {
			if err := database.Migrate(ctx, db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("ledger schema applied")
		}
		ledger = repository.NewBookingRepo(db)
		schedules = repository.NewScheduleRepo(db)
	}

	clk := clock.Real()
	rdb := config.NewRedisClient(ctx)
	var holds holdstore.Store
	if rdb != nil {
		defer rdb.Close()
		holds = holdstore.NewRedis(rdb, clk, cfg.HoldPrefix)
	} else {
		logger.Warn("redis unavailable: hold cache is per-process, rate limiting and response cache are off")
		holds = holdstore.NewMemory(clk)
	}

	remoteCfg := cfg.Remote
	remoteCfg.Logger = logger
	remoteCfg.Clock = clk
	seats := remote.New(remoteCfg)

	var notifier reservation.Notifier
	if cfg.RabbitURL != "" {
		notifier = queue.NewPublisher(cfg.RabbitURL, logger)
	}

	coord := reservation.New(reservation.Options{
		Remote:        seats,
		Ledger:        ledger,
		Schedules:     schedules,
		Holds:         holds,
		Notifier:      notifier,
		Clock:         clk,
		Logger:        logger,
		ElevatedRoles: cfg.ElevatedRoles,
		HoldTTL:       cfg.HoldTTL,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	go coord.RunReconciler(ctx, cfg.ReconcileInterval)

	checks := map[string]handler.Check{"remote": seats.Health}
	if db != nil {
		checks["mysql"] = db.PingContext
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(middleware.AccessLog(logger))

	deps := router.Deps{
		Bookings:  handler.NewBookingHandler(coord, logger),
		Schedules: handler.NewScheduleHandler(coord),
		Ready:     handler.Ready(checks),
		JWTSecret: cfg.JWTSecret,
		Admin:     cfg.ElevatedRoles,
	}
	if rdb != nil {
		deps.Reserve = append(deps.Reserve, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
		deps.SeatMap = append(deps.SeatMap, middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	}
	router.Register(e, deps)

	if *dev {
		admin := model.Identity{ID: "dev-admin", Email: "admin@localhost", Name: "Dev Admin", Role: "admin"}
		if tok, exp, err := middleware.IssueToken(cfg.JWTSecret, admin, 12*time.Hour); err == nil {
			logger.Info("dev admin token", "token", tok, "expires_at", exp)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
	}()

	logger.Info("listening", "addr", srv.Addr, "env", cfg.Env)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	coord.Wait()
	logger.Info("stopped gracefully")
	return nil
}
