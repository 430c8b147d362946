// Package app wires the exporter's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"bridge-exporter/internal/blob"
	"bridge-exporter/internal/config"
	"bridge-exporter/internal/pipeline"
	"bridge-exporter/internal/queue"
	"bridge-exporter/internal/registry"
	"bridge-exporter/internal/store"
	"bridge-exporter/internal/synapse"
	"bridge-exporter/pkg/utils"
)

// App holds the live components of one process
type App struct {
	Config    *config.Config
	Store     *store.Store
	Blobs     *blob.Store
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	Publisher *queue.Publisher
	Manager   *pipeline.ExportWorkerManager
	Runner    *pipeline.Runner
	Logger    *slog.Logger
}

// Build connects to every backing service. Close releases them.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = store.Open(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.Blobs, err = blob.NewStore(ctx, blob.Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	}, logger)
	if err != nil {
		return nil, err
	}

	if a.Conn, err = queue.Dial(ctx, cfg.Queue.URL, logger); err != nil {
		return nil, err
	}
	if a.Channel, err = a.Conn.Channel(); err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	qcfg := a.QueueConfig()
	if err = queue.Declare(a.Channel, qcfg); err != nil {
		return nil, err
	}
	a.Publisher = queue.NewPublisher(a.Channel, qcfg, logger)

	retry := synapse.DefaultRetryConfig
	if cfg.Synapse.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Synapse.MaxAttempts
	}
	client := synapse.NewHTTPClient(synapse.HTTPClientConfig{
		BaseURL:         cfg.Synapse.BaseURL,
		APIKey:          cfg.Synapse.APIKey,
		RequestTimeout:  cfg.Synapse.RequestTimeout,
		PollInterval:    cfg.Synapse.PollInterval,
		AsyncJobTimeout: cfg.Synapse.AsyncJobTimeout,
		Retry:           retry,
	}, logger)

	schemas := registry.NewCache(
		registry.NewHTTPSource(cfg.Bridge.BaseURL, cfg.Bridge.SessionToken, cfg.Bridge.RequestTimeout, logger),
		cfg.Bridge.SchemaCacheTTL,
	)

	a.Manager, err = pipeline.NewExportWorkerManager(pipeline.Config{
		Workers:                cfg.Exporter.Workers,
		PrincipalID:            cfg.Exporter.PrincipalID,
		RedriveDelay:           cfg.Exporter.RedriveDelay,
		MaxRedriveCount:        cfg.Exporter.MaxRedriveCount,
		LegacyAttachmentFields: cfg.Exporter.LegacyAttachmentFields,
	}, pipeline.Deps{
		Synapse:     client,
		Registry:    schemas,
		Studies:     a.Store,
		Tables:      a.Store,
		Blobs:       a.Blobs,
		Attachments: a.Store,
		Publisher:   a.Publisher,
		Runs:        a.Store,
	}, logger)
	if err != nil {
		return nil, err
	}

	output := utils.NewOutputManager(cfg.Exporter.TmpDir)
	if err = output.EnsureOutputDirExists(); err != nil {
		return nil, err
	}
	a.Runner = pipeline.NewRunner(a.Manager, a.Store, a.Blobs, a.Store, output, cfg.Location(), logger)
	return a, nil
}

// QueueConfig is the queue section in queue package form
func (a *App) QueueConfig() queue.Config {
	return queue.Config{
		URL:        a.Config.Queue.URL,
		Queue:      a.Config.Queue.Queue,
		DelayQueue: a.Config.Queue.DelayQueue,
		Prefetch:   a.Config.Queue.Prefetch,
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Channel != nil {
		errs = append(errs, a.Channel.Close())
	}
	if a.Conn != nil {
		errs = append(errs, a.Conn.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
