package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/tdm-edge/energyreport/internal/config"
	"github.com/tdm-edge/energyreport/internal/database"
	"github.com/tdm-edge/energyreport/internal/energy"
	server "github.com/tdm-edge/energyreport/internal/grpc"
	"github.com/tdm-edge/energyreport/internal/report"
	"github.com/tdm-edge/energyreport/internal/scheduler"
	"github.com/tdm-edge/energyreport/internal/web"
)

// Command energyreport runs the energy consumption reporting daemon.
//
// The daemon:
//   - Reads cumulative pulse-counter samples from TimescaleDB
//   - Converts them into per-interval energy figures (reset-aware)
//   - Requests a consumption report from the remote report service,
//     at most once per interval
//   - Tracks every interval in a local SQLite ledger so restarts never
//     double-count or resend
//
// Usage:
//
//	energyreport [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(appConfig.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"measurement": appConfig.Reporting.Measurement,
		"interval":    appConfig.Reporting.Interval.String(),
	}).Info("Starting energy reporting daemon")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		appConfig.Database.Host,
		appConfig.Database.Port,
		appConfig.Database.User,
		appConfig.Database.Password,
		appConfig.Database.Name,
		appConfig.Database.SSLMode,
	)

	samples, err := database.NewPostgresSampleRepo(connStr)
	if err != nil {
		logger.Fatalf("Failed to open sample repository: %v", err)
	}

	ledger, err := database.OpenLedger(appConfig.Ledger.Path, appConfig.Reporting.Interval)
	if err != nil {
		logger.Fatalf("Failed to open request ledger: %v", err)
	}

	registry := prometheus.NewRegistry()
	for _, c := range scheduler.Metrics() {
		registry.MustRegister(c)
	}

	requester := report.NewHTTPRequester(
		appConfig.Reporting.WebServerURL,
		appConfig.Reporting.EmailAddress,
		appConfig.Reporting.GPSLocation,
		appConfig.Reporting.RequestTimeout,
	)
	accumulator := energy.NewAccumulator(
		appConfig.Reporting.PulsesPerKWh,
		appConfig.Reporting.MaxPowerWatts,
	)

	sched := scheduler.New(scheduler.Options{
		Measurement: appConfig.Reporting.Measurement,
		Interval:    appConfig.Reporting.Interval,
		Schedule:    appConfig.Reporting.Schedule,
		MaxBacklog:  appConfig.Reporting.MaxBacklog,
		TickTimeout: appConfig.Reporting.RequestTimeout * 2 * time.Duration(appConfig.Reporting.MaxBacklog),
	}, ledger, samples, accumulator, requester, logger)

	srv, health, err := server.SetupServer(logger, server.DefaultServerConfig(), registry)
	if err != nil {
		logger.Fatalf("Failed to setup gRPC server: %v", err)
	}
	health.SetServing(server.ComponentDatabase, true)

	adminHandler, err := web.NewHandler(ledger, logger, registry, web.DefaultAdminConfig())
	if err != nil {
		logger.Fatalf("Failed to setup admin handler: %v", err)
	}
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.AdminPort),
		Handler: adminHandler,
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port))
	if err != nil {
		logger.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)

	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	health.SetServing(server.ComponentScheduler, true)

	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	go func() {
		if err := srv.Serve(lis); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	go handleShutdown(ctx, srv, adminSrv, sched, logger, samples, ledger)

	logger.WithFields(logrus.Fields{
		"port":       appConfig.Server.Port,
		"admin_port": appConfig.Server.AdminPort,
	}).Info("Serving")

	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
}

// Handle graceful shutdown
func handleShutdown(
	ctx context.Context,
	srv *grpc.Server,
	adminSrv *http.Server,
	sched *scheduler.Scheduler,
	logger *logrus.Logger,
	samples database.SampleRepository,
	ledger database.RequestLedger,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	}

	logger.Println("Gracefully stopping...")
	sched.Stop()
	srv.GracefulStop()
	adminSrv.Shutdown(context.Background())
	logger.Println("Servers stopped")

	samples.Close()
	ledger.Close()
	os.Exit(0)
}
