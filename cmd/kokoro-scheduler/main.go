package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"kokoro/backend/internal/config"
	"kokoro/backend/internal/events"
	"kokoro/backend/internal/obs"
	"kokoro/backend/internal/service/availability"
	"kokoro/backend/internal/service/scheduling"
	grpcTransport "kokoro/backend/internal/transport/grpc"
	"kokoro/backend/internal/worker"
)

const serviceName = "kokoro-scheduler"

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Doctor appointment scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)
	return log
}

func loadConfig() (config.Config, *slog.Logger, error) {
	log := newLogger("info")
	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		return config.Config{}, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC server and the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, log)
		},
	}
}

func runServer(parent context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
		slog.String("timezone", cfg.Location.String()),
	)

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracerConfig{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Version:     version,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Error("tracer init failed", slog.Any("err", err))
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			log.Warn("store close failed", slog.Any("err", err))
		}
	}()

	publisher, err := openPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("publisher close failed", slog.Any("err", err))
		}
	}()

	templates := availability.NewStore(be.availability, cfg.SlotLength, availability.CacheConfig{
		Size: cfg.CacheSize,
		TTL:  cfg.CacheTTL,
	}, log)
	svc := scheduling.NewService(templates, be.ledger, scheduling.Config{
		Capacity:       cfg.Capacity,
		HorizonDays:    cfg.HorizonDays,
		HistoryMaxDays: cfg.HistoryMaxDays,
		Location:       cfg.Location,
	}, scheduling.WithPublisher(publisher), scheduling.WithLogger(log))

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.RegisterSchedulingServer(grpcServer, grpcTransport.NewSchedulingServer(svc, cfg.SlotLength, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	var sweeper *worker.Sweeper
	if cfg.SweeperEnabled {
		sweeper = worker.NewSweeper(be.ledger, be.locker, worker.SweeperConfig{
			Spec:    cfg.SweeperSpec,
			Batch:   cfg.SweeperBatch,
			LockTTL: cfg.SweeperLockTTL,
		}, log)
		if err := sweeper.Start(ctx); err != nil {
			log.Error("sweeper start failed", slog.Any("err", err))
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server stopped with error", slog.Any("err", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info("shutdown signal received")
		}
		if sweeper != nil {
			sweeper.Stop()
		}
		shutdown(log, grpcServer, cfg.ShutdownTimeout)
		return nil
	})
	return g.Wait()
}

type closer interface {
	Close() error
}

type bookingPublisher interface {
	scheduling.Publisher
	closer
}

func openPublisher(cfg config.Config, log *slog.Logger) (bookingPublisher, error) {
	if cfg.AMQPURL == "" {
		log.Info("booking events disabled")
		return events.Nop{}, nil
	}
	p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Error("rabbitmq connection failed", slog.Any("err", err))
		return nil, err
	}
	log.Info("booking events enabled", slog.String("exchange", cfg.AMQPExchange))
	return p, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return runMigrations(cmd.Context(), cfg, log)
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete bookings past their retention window once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			sweeper := worker.NewSweeper(be.ledger, be.locker, worker.SweeperConfig{
				Batch:   cfg.SweeperBatch,
				LockTTL: cfg.SweeperLockTTL,
			}, log)
			removed, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired bookings\n", removed)
			return nil
		},
	}
}

func slotsCmd() *cobra.Command {
	var (
		addr    string
		doctor  string
		date    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List a doctor's slots for one date from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if doctor == "" || date == "" {
				return errors.New("--doctor and --date are required")
			}
			conn, err := dialScheduler(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := grpcTransport.NewClient(conn).ListAvailable(ctx, &grpcTransport.ListAvailableRequest{
				DoctorID: doctor,
				Date:     date,
			})
			if err != nil {
				return err
			}
			writeSlots(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "scheduler gRPC address")
	cmd.Flags().StringVar(&doctor, "doctor", "", "doctor id")
	cmd.Flags().StringVar(&date, "date", "", "date as YYYY-MM-DD")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
