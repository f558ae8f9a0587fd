// Archiver bundles verified execution-log chain segments into object
// storage, advancing a per-automation checkpoint after each upload.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flowgate/flowgate/pkg/archiver"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/execlog"
)

type minioUploader struct {
	client *minio.Client
	bucket string
}

func (m minioUploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, config.PostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	minioClient, err := minio.New(config.EnvOr("ARCHIVE_S3_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds: credentials.NewStaticV4(
			config.EnvOr("ARCHIVE_S3_ACCESS_KEY", "minioadmin"),
			config.EnvOr("ARCHIVE_S3_SECRET_KEY", "minioadmin"), ""),
		Secure: config.EnvOrBool("ARCHIVE_S3_SECURE", false),
	})
	if err != nil {
		log.Error("minio init failed", "error", err)
		os.Exit(1)
	}

	store := execlog.NewStore(pool)
	svc := archiver.New(store, minioUploader{
		client: minioClient,
		bucket: config.EnvOr("ARCHIVE_S3_BUCKET", "flowgate-execlog"),
	})

	onlyAutomation := os.Getenv("ARCHIVER_AUTOMATION_ID")
	runOnce := config.EnvOrBool("ARCHIVER_RUN_ONCE", true)
	interval := config.EnvOrDuration("ARCHIVER_INTERVAL", 5*time.Minute)

	run := func() {
		if onlyAutomation != "" {
			key, err := svc.ArchiveAutomation(ctx, onlyAutomation)
			if err != nil {
				log.Error("archive failed", "automation_id", onlyAutomation, "error", err)
				return
			}
			if key != "" {
				log.Info("archived chain segment", "automation_id", onlyAutomation, "key", key)
			}
			return
		}
		n, err := svc.ArchiveAll(ctx)
		if err != nil {
			log.Error("archive pass failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("archive pass complete", "bundles", n)
		}
	}

	run()
	if runOnce {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
