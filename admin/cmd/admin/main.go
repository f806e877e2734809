package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/statbase/cube/admin/internal/admin"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/utils/pkg/logger"
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

	// Postgres configuration
	postgresURLFlag := flag.String("postgres-url", "", "postgres connection string for the metadata store (or set POSTGRES_URL env var)")

	// File store configuration
	storageDirFlag := flag.String("storage-dir", "", "local directory holding uploaded files and cubes (or set STORAGE_DIR env var)")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket holding uploaded files and cubes (or set S3_BUCKET env var; wins over --storage-dir)")
	s3PrefixFlag := flag.String("s3-prefix", "", "key prefix inside the S3 bucket (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set S3_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 endpoint override for minio-compatible stores (or set S3_ENDPOINT env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run metadata store migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last metadata store migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show metadata store migration status")
	pgResetFlag := flag.Bool("pg-reset", false, "Drop all metadata store tables (development only)")
	purgeArtifactsFlag := flag.Bool("purge-artifacts", false, "Delete stored cube files no revision references")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	} else {
		_ = godotenv.Load()
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
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

	ctx := context.Background()

	// Execute commands
	if *pgMigrateFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --pg-migrate")
		}
		return meta.MigrateUp(ctx, log, *postgresURLFlag)
	}

	if *pgMigrateDownFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --pg-migrate-down")
		}
		return meta.MigrateDown(ctx, log, *postgresURLFlag)
	}

	if *pgMigrateStatusFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --pg-migrate-status")
		}
		return meta.MigrateStatus(ctx, log, *postgresURLFlag)
	}

	if *pgResetFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --pg-reset")
		}
		return admin.ResetMeta(ctx, log, *postgresURLFlag, *dryRunFlag, *yesFlag)
	}

	if *purgeArtifactsFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --purge-artifacts")
		}
		if *storageDirFlag == "" && *s3BucketFlag == "" {
			return fmt.Errorf("--storage-dir or --s3-bucket is required for --purge-artifacts")
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

		return admin.PurgeArtifacts(ctx, log, store, files, *dryRunFlag, *yesFlag)
	}

	flag.Usage()
	return nil
}
