package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/artifact"
	"github.com/alfredjeanlab/dealroom/internal/channel"
	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/delivery"
	"github.com/alfredjeanlab/dealroom/internal/dispute"
	"github.com/alfredjeanlab/dealroom/internal/escrow"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/lock"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
	"github.com/alfredjeanlab/dealroom/internal/store"
	"github.com/alfredjeanlab/dealroom/internal/store/memory"
	"github.com/alfredjeanlab/dealroom/internal/store/postgres"
)

const lockWait = 5 * time.Second

// runtime holds the collaborators shared by the long-running commands.
// Optional backends fall back to in-process implementations when their
// URL is not configured.
type runtime struct {
	api      *client.HTTPClient
	channels *channel.Manager
	bus      events.Publisher
	journal  store.Journal
	locker   lock.Locker
	issuer   artifact.Issuer
	counters *reconcile.Counters

	closers []func() error
}

func newRuntime(ctx context.Context) (*runtime, error) {
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("DEALROOM_TOKEN and DEALROOM_USER_ID are required: %w", model.ErrCredentialRequired)
	}
	rt := &runtime{
		api: client.NewHTTPClient(cfg.APIURL, cfg.Token,
			client.WithAttachmentPolicy(int64(cfg.ChatAttachmentMaxBytes), cfg.ChatAttachmentTypes)),
		channels: channel.NewManager(channel.Options{
			URL:               cfg.WSURL,
			Backoff:           channel.Backoff{Base: cfg.ReconnectBase.Duration, Cap: cfg.ReconnectCap.Duration},
			HeartbeatInterval: cfg.HeartbeatInterval.Duration,
			StaleAfter:        cfg.StaleAfter.Duration,
			Logger:            logger,
			Metrics:           meters,
		}),
	}
	rt.closers = append(rt.closers, func() error { rt.channels.Close(); return nil }, rt.api.Close)

	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.bus = pub
		logger.Info("events enabled", zap.String("nats_url", cfg.NATSURL))
	} else {
		rt.bus = events.NewLocalBus()
	}
	rt.closers = append(rt.closers, rt.bus.Close)
	rt.counters = reconcile.NewCounters(rt.bus, logger)

	if cfg.DatabaseURL != "" {
		j, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.journal = j
	} else {
		rt.journal = memory.New()
	}
	rt.closers = append(rt.closers, rt.journal.Close)

	if cfg.RedisURL != "" {
		l, err := lock.NewRedisLocker(ctx, cfg.RedisURL, lockWait)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.locker = l
		rt.closers = append(rt.closers, l.Close)
	} else {
		rt.locker = lock.NewLocalLocker(lockWait)
	}

	if cfg.S3Bucket != "" {
		iss, err := artifact.NewS3Issuer(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, 0)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.issuer = iss
		logger.Info("direct uploads enabled", zap.String("bucket", cfg.S3Bucket))
	}
	return rt, nil
}

func (rt *runtime) identity() model.Identity {
	return model.Identity{UserID: cfg.UserID, Token: cfg.Token}
}

func (rt *runtime) reconcileOptions() reconcile.Options {
	return reconcile.Options{
		DedupWindow: cfg.DedupWindow.Duration,
		Counters:    rt.counters,
		Logger:      logger,
		Metrics:     meters,
	}
}

func (rt *runtime) deliveries() *delivery.Registry {
	return delivery.NewRegistry(delivery.Options{
		API:        rt.api,
		Issuer:     rt.issuer,
		Transferer: &artifact.Transferer{Metrics: meters},
		MaxBytes:   int64(cfg.ArtifactMaxBytes),
		Publisher:  rt.bus,
		Logger:     logger,
	})
}

func (rt *runtime) escrows() *escrow.Registry {
	return escrow.NewRegistry(escrow.Options{
		API:              rt.api,
		Journal:          rt.journal,
		Fees:             escrow.FeePolicyFromConfig(cfg),
		CountrySupported: cfg.PaymentCountrySupported,
		Publisher:        rt.bus,
		Logger:           logger,
		Metrics:          meters,
	})
}

func (rt *runtime) disputes() *dispute.Guard {
	return dispute.NewGuard(dispute.Options{
		API:       rt.api,
		Journal:   rt.journal,
		Locker:    rt.locker,
		Publisher: rt.bus,
		Logger:    logger,
		Metrics:   meters,
	})
}

// Close releases everything newRuntime opened, newest first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.Warn("closing runtime", zap.Error(err))
		}
	}
	rt.closers = nil
}
