package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/refinedata/refinery/internal/app"
	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/logger"
	"github.com/refinedata/refinery/internal/processor"
	"github.com/refinedata/refinery/internal/queue"
	"github.com/refinedata/refinery/internal/services"
)

var rootCmd = &cobra.Command{
	Use:   "refinery",
	Short: "Refinery - durable data refinement job orchestration",
	Long: `Refinery accepts data refinement jobs, runs them through the TEE
processor via a durable queue, and recovers jobs that get stuck.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and/or the queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate()
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one stuck-job recovery pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecovery()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return db.New(db.Options{
		Host:       cfg.DBHost,
		User:       cfg.DBUser,
		Password:   cfg.DBPassword,
		DBName:     cfg.DBName,
		Port:       cfg.DBPort,
		SSLEnabled: cfg.DBSSL,
	})
}

func openEngine(cfg *config.Config) *queue.Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return queue.NewRedis(rdb, queue.Options{
		QueueName:         cfg.QueueName,
		PollInterval:      cfg.PollInterval,
		VisibilityTimeout: cfg.ProcessorTimeout + cfg.RetryDelay,
	})
}

func serve() error {
	logger.Initialize()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close(gormDB)

	engine := openEngine(cfg)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Errorf("Failed to close queue engine: %v", err)
		}
	}()

	jobRepo := repos.NewJobRepository(gormDB)
	userRepo := repos.NewUserRepository(gormDB)
	proc := processor.NewTEEClient(cfg.ProcessorEndpoint)

	producer := services.NewProducer(jobRepo, userRepo, engine, cfg)
	consumer := services.NewConsumer(jobRepo, proc, cfg)
	recovery := services.NewRecovery(jobRepo, engine, cfg)
	monitor := services.NewMonitor(jobRepo, engine, consumer, recovery, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerRole.RunsWorker() {
		if err := engine.RegisterWorker(cfg.WorkerCount, consumer.HandleBatch); err != nil {
			return fmt.Errorf("failed to register queue worker: %w", err)
		}
		logger.Infof("Queue worker started: instance=%s batch=%d", cfg.WorkerInstanceID, cfg.WorkerCount)
	}

	monitor.Start(ctx)

	if cfg.WorkerRole.RunsAPI() {
		srv := app.New(producer, monitor, recovery)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Listen(cfg.ListenAddr)
		}()

		select {
		case err := <-errCh:
			stop()
			monitor.Wait()
			return err
		case <-ctx.Done():
			logger.Info("Shutting down")
			if err := srv.Shutdown(); err != nil {
				logger.Errorf("Failed to shut down HTTP server: %v", err)
			}
		}
	} else {
		<-ctx.Done()
		logger.Info("Shutting down")
	}

	monitor.Wait()
	return nil
}

func migrate() error {
	logger.Initialize()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close(gormDB)

	logger.Info("Database migrations applied")
	return nil
}

func runRecovery() error {
	logger.Initialize()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close(gormDB)

	engine := openEngine(cfg)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Errorf("Failed to close queue engine: %v", err)
		}
	}()

	jobRepo := repos.NewJobRepository(gormDB)
	recovery := services.NewRecovery(jobRepo, engine, cfg)

	report, err := recovery.TriggerManualRecovery(context.Background())
	if err != nil {
		return err
	}

	logger.Infof("Recovery complete: %d stuck, %d requeued, %d failed terminally",
		report.TotalStuckJobs, report.RecoveredCount, report.FailedCount)
	return nil
}
