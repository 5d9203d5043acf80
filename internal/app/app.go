package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthcheck "github.com/vladislavdragonenkov/pharmaledger/internal/health"
	"github.com/vladislavdragonenkov/pharmaledger/internal/metrics"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/credit"
	grpcsvc "github.com/vladislavdragonenkov/pharmaledger/internal/service/grpc"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/order"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
	"github.com/vladislavdragonenkov/pharmaledger/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run собирает сервис журнала и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	tracerProvider, err := initTracing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(tracerProvider, logger)

	registerer := prometheus.DefaultRegisterer
	ledgerMetrics := metrics.NewLedgerMetricsWithRegisterer(registerer)

	stockOpts := []stock.Option{
		stock.WithLogger(logger.WithField("component", "stock-service")),
		stock.WithMetrics(ledgerMetrics),
	}
	orderOpts := []order.Option{
		order.WithLogger(logger.WithField("component", "b2b-order-service")),
		order.WithMetrics(ledgerMetrics),
	}
	if tracerProvider != nil {
		stockOpts = append(stockOpts, stock.WithTracer(tracerProvider.Tracer("pharmaledger/stock")))
		orderOpts = append(orderOpts, order.WithTracer(tracerProvider.Tracer("pharmaledger/order")))
	}

	stockService := stock.NewService(deps.uow, deps.lots, stockOpts...)
	creditLedger := credit.NewLedger(deps.uow, deps.pharmacies,
		credit.WithLogger(logger.WithField("component", "credit-ledger")),
	)
	orderService := order.NewService(deps.uow, deps.lots, deps.pharmacies, stockService, creditLedger, orderOpts...)

	kafkaRt, _ := initKafka(cfg, logger)
	defer closeKafka(kafkaRt, logger)

	workers := startWorkers(ctx, cfg, deps, kafkaRt, registerer, logger)
	defer workers.stop(shutdownTimeout, logger)

	ledgerService := grpcsvc.NewLedgerService(stockService, orderService, creditLedger, deps.audit, deps.idempotencyRepo,
		logger.WithField("layer", "grpc"))

	grpcMetrics := registerGRPCMetrics(registerer, logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterLedgerServer(grpcServer, ledgerService)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	build := version.Current()
	healthHandler := healthcheck.NewHandler(build.Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if deps.redisChecker != nil {
		healthHandler.RegisterChecker("redis", deps.redisChecker)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"grpc_addr": lis.Addr().String(),
			"storage":   cfg.StorageDriver,
			"build":     build.String(),
		}).Info("ledger gRPC server listening")
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping gRPC server")
		healthServer.Shutdown()
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func registerGRPCMetrics(registerer prometheus.Registerer, logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registerer.Register(grpcMetrics); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// stopGRPC ждёт завершения активных вызовов не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing gRPC server stop")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP с /metrics, /healthz, /readyz и /livez.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics and health endpoints listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
