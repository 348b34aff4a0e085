package main

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"

	"github.com/udl-tools/go-uploadkit/analytics"
	"github.com/udl-tools/go-uploadkit/compression"
	"github.com/udl-tools/go-uploadkit/config"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/network"
	"github.com/udl-tools/go-uploadkit/notify"
	"github.com/udl-tools/go-uploadkit/publish"
	"github.com/udl-tools/go-uploadkit/selection"
	"github.com/udl-tools/go-uploadkit/upload"
)

// app wires the configured components together, opening each lazily.
type app struct {
	cfg     config.Config
	logger  log.Logger
	envRepo env.Repository

	ledger  *ledger.Ledger
	closers []func()
}

func newApp(cfg config.Config, logger log.Logger) *app {
	return &app{cfg: cfg, logger: logger, envRepo: env.NewRepository()}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// history returns the upload history, nil when it is not configured.
func (a *app) history(ctx context.Context) (*ledger.Ledger, error) {
	if a.ledger != nil || a.cfg.Ledger.Path == "" {
		return a.ledger, nil
	}
	l, err := ledger.Open(ctx, a.cfg.Ledger.Path, a.logger)
	if err != nil {
		return nil, err
	}
	a.ledger = l
	a.closers = append(a.closers, func() {
		if err := l.Close(); err != nil {
			a.logger.Warnf("Failed to close history: %s", err)
		}
	})
	return l, nil
}

func (a *app) uploader(ctx context.Context) (upload.Uploader, error) {
	cfg := a.cfg
	switch cfg.Backend {
	case config.BackendNode:
		return network.NewNodeUploader(network.NodeParams{
			NodeURL:          cfg.Node.URL,
			Currency:         cfg.Node.Currency,
			Token:            string(cfg.Node.Token),
			MaxRetryPerChunk: cfg.Upload.MaxRetryPerChunk,
			RetryWait:        cfg.Upload.RetryWait,
			HungThreshold:    cfg.Upload.HungThreshold,
		}, a.logger)
	case config.BackendS3:
		return network.NewS3Uploader(ctx, network.S3Params{
			Region:           cfg.S3.Region,
			Bucket:           cfg.S3.Bucket,
			Prefix:           cfg.S3.Prefix,
			AccessKeyID:      string(cfg.S3.AccessKeyID),
			SecretAccessKey:  string(cfg.S3.SecretAccessKey),
			MaxRetryPerChunk: cfg.Upload.MaxRetryPerChunk,
		}, a.logger)
	case config.BackendGCS:
		params := network.GCSParams{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
		}
		client, err := network.NewGCSClient(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("create GCS client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warnf("Failed to close GCS client: %s", err)
			}
		})
		return network.NewGCSUploader(client, params, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

func (a *app) publisher(ctx context.Context) (*publish.Publisher, error) {
	uploader, err := a.uploader(ctx)
	if err != nil {
		return nil, err
	}

	var opts []publish.Option
	l, err := a.history(ctx)
	if err != nil {
		return nil, err
	}
	if l != nil {
		opts = append(opts, publish.WithRecorder(l))
	}

	if a.cfg.NATS.URL != "" {
		n, err := notify.Connect(a.cfg.NATS.URL, a.cfg.NATS.Subject, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		opts = append(opts, publish.WithNotifier(n))
	}

	if a.cfg.Analytics.Enabled {
		tracker := analytics.NewDefaultUploadTracker(a.envRepo, a.cfg.Backend, a.logger)
		a.closers = append(a.closers, tracker.Wait)
		opts = append(opts, publish.WithTracker(tracker))
	}

	return publish.NewPublisher(
		upload.NewCoordinator(uploader, a.cfg.Coordinator(), a.logger),
		selection.NewSelector(a.logger, pathutil.NewPathModifier(), pathutil.NewPathChecker()),
		a.bundler(),
		pathutil.NewPathProvider(),
		a.cfg.Backend,
		a.logger,
		opts...,
	), nil
}

func (a *app) bundler() *compression.Bundler {
	return compression.NewBundler(a.logger, a.envRepo, compression.NewDependencyChecker(a.logger, a.envRepo))
}
