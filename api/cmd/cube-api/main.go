package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/statbase/cube/api/builds"
	"github.com/statbase/cube/api/handlers"
	apimetrics "github.com/statbase/cube/api/metrics"
	"github.com/statbase/cube/api/server"
	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	buildermetrics "github.com/statbase/cube/builder/pkg/metrics"
	"github.com/statbase/cube/builder/pkg/translate"
	"github.com/statbase/cube/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", "", "path to a .env file to load before reading the environment")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for the API (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (or set METRICS_ADDR env var; empty disables)")
	postgresURLFlag := flag.String("postgres-url", "", "postgres connection string for the metadata store (or set POSTGRES_URL env var)")
	storageDirFlag := flag.String("storage-dir", "", "local directory for uploaded files and cubes (or set STORAGE_DIR env var)")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for uploaded files and cubes (or set S3_BUCKET env var; wins over --storage-dir)")
	s3PrefixFlag := flag.String("s3-prefix", "", "key prefix inside the S3 bucket (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set S3_REGION / AWS_REGION env vars)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 endpoint override for minio-compatible stores (or set S3_ENDPOINT env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set ALLOWED_ORIGINS env var)")
	maxBuildsFlag := flag.Int("max-concurrent-builds", 2, "maximum cube builds running at once (or set MAX_CONCURRENT_BUILDS env var)")
	queryRateFlag := flag.Int("query-rate-per-minute", 0, "per-IP request limit on the preview, export and cube endpoints (0 uses the server default)")
	warmFlag := flag.Bool("warm-cache", true, "rebuild the newest cube of every dataset at startup")
	skipMigrationsFlag := flag.Bool("skip-migrations", false, "do not run metadata store migrations at startup")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	} else {
		// A .env in the working directory is a dev convenience; absence
		// is not an error.
		_ = godotenv.Load()
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		*metricsAddrFlag = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		*postgresURLFlag = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		*storageDirFlag = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		*s3BucketFlag = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		*s3PrefixFlag = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		*s3RegionFlag = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		*s3EndpointFlag = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = v
	}
	if v := os.Getenv("MAX_CONCURRENT_BUILDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_CONCURRENT_BUILDS %q: %w", v, err)
		}
		*maxBuildsFlag = n
	}

	if *postgresURLFlag == "" {
		return fmt.Errorf("--postgres-url is required")
	}
	if *storageDirFlag == "" && *s3BucketFlag == "" {
		return fmt.Errorf("--storage-dir or --s3-bucket is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "release", version)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start metrics server
	if *metricsAddrFlag != "" {
		apimetrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		buildermetrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	if !*skipMigrationsFlag {
		if err := meta.MigrateUp(ctx, log, *postgresURLFlag); err != nil {
			return err
		}
	}

	pool, err := meta.Connect(ctx, log, *postgresURLFlag)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := meta.NewStore(meta.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	var files filestore.Store
	if *s3BucketFlag != "" {
		files, err = filestore.NewS3(ctx, filestore.S3Config{
			Logger:   log,
			Bucket:   *s3BucketFlag,
			Prefix:   *s3PrefixFlag,
			Region:   *s3RegionFlag,
			Endpoint: *s3EndpointFlag,
		})
		if err != nil {
			return err
		}
	} else {
		files, err = filestore.NewLocal(log, *storageDirFlag)
		if err != nil {
			return err
		}
	}

	translator, err := translate.Load()
	if err != nil {
		return err
	}

	builder, err := cube.New(cube.Config{
		Logger:     log,
		Files:      files,
		Translator: translator,
	})
	if err != nil {
		return err
	}

	buildSvc, err := builds.New(builds.Config{
		Logger:        log,
		Runner:        builder,
		Meta:          store,
		Files:         files,
		MaxConcurrent: *maxBuildsFlag,
	})
	if err != nil {
		return err
	}
	defer buildSvc.Close()

	if *warmFlag {
		go buildSvc.Warm(ctx)
	}

	var origins []string
	if *allowedOriginsFlag != "" {
		for _, origin := range strings.Split(*allowedOriginsFlag, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}

	srv, err := server.New(server.Config{
		Logger:             log,
		ListenAddr:         *listenAddrFlag,
		ShutdownTimeout:    *shutdownTimeoutFlag,
		VersionInfo:        handlers.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:     origins,
		Store:              store,
		Files:              files,
		Builds:             buildSvc,
		QueryRatePerMinute: *queryRateFlag,
	})
	if err != nil {
		return err
	}

	log.Info("cube-api starting", "version", version, "commit", commit, "date", date)
	return srv.Run(ctx)
}
