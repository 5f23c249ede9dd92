package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qash-finance/schedule-service/api"
	"github.com/qash-finance/schedule-service/business/domain/action"
	"github.com/qash-finance/schedule-service/business/domain/reconcile"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/external/backend"
	"github.com/qash-finance/schedule-service/external/elastic"
	"github.com/qash-finance/schedule-service/external/kafka"
	"github.com/qash-finance/schedule-service/external/ledger"
	"github.com/qash-finance/schedule-service/infrastructure/metrics"
	"github.com/qash-finance/schedule-service/infrastructure/store/pebbledb"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const prefix = "QASH_SCHEDULE_SERVICE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	if err := godotenv.Load(".env.local"); err != nil {
		sLogger.Infow("No env file loaded.", "error", err)
	}

	var cfg struct {
		Server struct {
			HttpHost        string `conf:"default:0.0.0.0:8000"`
			GrpcHost        string `conf:"default:0.0.0.0:8001"`
			MetricsHttpHost string `conf:"default:0.0.0.0:9999"`
		}
		Ledger struct {
			Url     string        `conf:"default:http://localhost:57291"`
			Timeout time.Duration `conf:"default:10s"`
		}
		Backend struct {
			Url     string        `conf:"default:http://localhost:3001"`
			Timeout time.Duration `conf:"default:10s"`
		}
		Schedule struct {
			BlockTime      time.Duration `conf:"default:5s"`
			HeightCacheTtl time.Duration `conf:"default:2s"`
			RetryDelay     time.Duration `conf:"default:500ms"`
		}
		Sync struct {
			MetricsNamespace       string        `conf:"default:qash_schedule_service"`
			InternalStoreFolder    string        `conf:"default:store"`
			PollInterval           time.Duration `conf:"default:3s"`
			RefreshTimeout         time.Duration `conf:"default:30s"`
			MaxConsecutiveFailures int           `conf:"default:5"`
			WatchAddresses         []string      `conf:"optional"`
		}
		Broker struct {
			Enabled          bool     `conf:"default:true"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:qash-note-status"`
		}
		Elastic struct {
			Enabled         bool     `conf:"default:false"`
			Addresses       []string `conf:"default:https://localhost:9200"`
			Username        string   `conf:"default:qash-ingestion"`
			Password        string   `conf:"optional,mask"`
			IndexName       string   `conf:"default:qash-notes"`
			CertificatePath string   `conf:"default:http_ca.crt"`
		}
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := pebbledb.NewStore(cfg.Sync.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	defer store.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Sync.MetricsNamespace)

	ledgerClient := ledger.NewClient(cfg.Ledger.Url, cfg.Ledger.Timeout)
	backendClient := backend.NewClient(cfg.Backend.Url, cfg.Backend.Timeout)

	heightCache := schedule.NewHeightCache(cfg.Schedule.HeightCacheTtl)
	go heightCache.Start()
	defer heightCache.Stop()
	heights := schedule.NewHeightBridge(ledgerClient, schedule.SystemClock{}, cfg.Schedule.BlockTime, heightCache, cfg.Schedule.RetryDelay).
		WithObserver(m)

	reconciler := reconcile.NewReconciler(ledgerClient, backendClient, heights, schedule.SystemClock{}, reconcile.NewViewStore(), cfg.Schedule.RetryDelay, sLogger).
		WithStore(store).
		WithMetrics(m).
		WithTimeout(cfg.Sync.RefreshTimeout)

	if cfg.Broker.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.Sync.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		reconciler.WithPublisher(kafka.NewClient(kcl, sLogger))
	} else {
		sLogger.Warn("Status change publishing disabled.")
	}

	if cfg.Elastic.Enabled {
		cert, err := os.ReadFile(cfg.Elastic.CertificatePath)
		if err != nil {
			sLogger.Warnw("Could not read elastic certificate.", "error", err)
		}
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:     cfg.Elastic.Addresses,
			Username:      cfg.Elastic.Username,
			Password:      cfg.Elastic.Password,
			CACert:        cert,
			RetryOnStatus: []int{502, 503, 504, 429},
		})
		if err != nil {
			return errors.Wrap(err, "creating elastic client")
		}
		reconciler.WithIndexer(elastic.NewClient(esClient, cfg.Elastic.IndexName))
	}

	healthServer := health.NewServer()
	poller := reconcile.NewPoller(reconciler, cfg.Sync.PollInterval, sLogger).
		WithMetrics(m).
		WithListener(healthListener(healthServer, cfg.Sync.MaxConsecutiveFailures, sLogger))

	stored, err := store.Addresses()
	if err != nil {
		return errors.Wrap(err, "loading stored addresses")
	}
	for _, address := range append(stored, cfg.Sync.WatchAddresses...) {
		poller.Watch(address)
	}
	sLogger.Infow("Watching addresses.", "count", len(poller.Watched()))

	service := action.NewService(ledgerClient, backendClient, reconciler, heights, heights.Calculator(), sLogger).
		WithMetrics(m)
	handler := api.NewHandler(service, reconciler, poller, sLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pollerDone := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(pollerDone)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	grpcError := make(chan error, 1)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.Server.GrpcHost)
	if err != nil {
		return errors.Wrap(err, "listening on grpc port")
	}
	go func() {
		sLogger.Infow("Starting grpc server.", "addr", cfg.Server.GrpcHost)
		grpcError <- grpcServer.Serve(lis)
	}()
	defer grpcServer.GracefulStop()

	apiError := make(chan error, 1)
	go func() {
		sLogger.Infow("Starting api server.", "addr", cfg.Server.HttpHost)
		apiError <- http.ListenAndServe(cfg.Server.HttpHost, handler.Routes())
	}()

	metricsError := make(chan error, 1)
	go func() {
		sLogger.Infow("Starting metrics server.", "addr", cfg.Server.MetricsHttpHost)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(cfg.Server.MetricsHttpHost, mux)
	}()

	sLogger.Info("Service started.")

	for {
		select {
		case <-shutdown:
			sLogger.Info("Received shutdown signal, shutting down...")
			healthServer.Shutdown()
			cancel()
			<-pollerDone
			return nil
		case err := <-apiError:
			return errors.Wrap(err, "api server")
		case err := <-metricsError:
			return errors.Wrap(err, "metrics server")
		case err := <-grpcError:
			return errors.Wrap(err, "grpc server")
		}
	}
}

// healthListener reports NOT_SERVING once maxFailures refreshes in a row have failed and
// SERVING again after the next success.
func healthListener(server *health.Server, maxFailures int, logger *zap.SugaredLogger) reconcile.RefreshListener {
	var failures atomic.Int64
	server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return func(address string, err error) {
		if err == nil {
			if failures.Swap(0) >= int64(maxFailures) {
				logger.Infow("Refreshes recovered.", "address", address)
			}
			server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
			return
		}
		if failures.Add(1) == int64(maxFailures) {
			logger.Warnw("Too many failed refreshes.", "failures", maxFailures, "address", address)
			server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		}
	}
}
