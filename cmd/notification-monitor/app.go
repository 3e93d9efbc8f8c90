package main

import (
	"context"
	"fmt"
	"time"

	"notification-monitor/assets"
	"notification-monitor/internal/common/auth"
	"notification-monitor/internal/common/aws"
	"notification-monitor/internal/common/config"
	"notification-monitor/internal/common/database"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/common/observability"
	"notification-monitor/internal/detector"
	"notification-monitor/internal/dispatch"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/monitor"
	"notification-monitor/internal/notification"
	"notification-monitor/internal/reporting"
	"notification-monitor/internal/templates"
)

// app holds everything a pass needs, wired from configuration.
type app struct {
	cfg    *config.Config
	log    logger.Logger
	obs    *observability.Observability
	pg     *database.PostgresClient
	redis  *database.RedisClient
	es     *database.ElasticsearchClient
	gate   *ledger.Gate
	runner *monitor.Runner

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, obs: observability.New(cfg.App.Name)}
	a.closers = append(a.closers, a.obs.Shutdown)
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	if a.pg, err = connectPostgres(ctx, cfg, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.pg.Close() })

	err = retryWithBackoff(ctx, func() error {
		var err error
		a.redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		if err := a.redis.Ping(ctx); err != nil {
			_ = a.redis.Close()
			return err
		}
		return nil
	}, 10, 2*time.Second, log, "Redis connection")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.redis.Close() })
	log.Info("Redis connected successfully", nil)

	registry, err := loadRegistry(cfg.Templates.Dir)
	if err != nil {
		return nil, err
	}
	log.Info("templates loaded", map[string]interface{}{"templates": registry.Names()})

	store := ledger.NewPostgresStore(a.pg.DB)
	a.gate = ledger.NewGate(store, ledger.Policy{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		BackoffBase:    cfg.Ledger.BackoffBase,
		BackoffMax:     cfg.Ledger.BackoffMax,
		ClaimTimeout:   cfg.Ledger.ClaimTimeout,
		RetryBatchSize: cfg.Ledger.RetryBatchSize,
	})

	source := detector.NewPostgresSource(a.pg.DB)
	recipients, err := newRecipientResolver(cfg, source)
	if err != nil {
		return nil, err
	}
	det := detector.New(detector.Config{
		ReminderWindow:   cfg.Detector.ReminderWindow,
		ContactBatchSize: cfg.Detector.ContactBatchSize,
		ServiceURL:       cfg.Detector.ServiceURL,
	}, source, source, recipients, store, log)

	transport, err := newTransport(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	sender, err := dispatch.New(transport, dispatch.Config{
		From:          notification.Recipient{Name: cfg.Dispatch.FromName, Email: cfg.Dispatch.FromEmail},
		SendTimeout:   cfg.Dispatch.SendTimeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
	}, log)
	if err != nil {
		return nil, err
	}

	reporters, err := a.newReporters(ctx)
	if err != nil {
		return nil, err
	}

	a.runner, err = monitor.NewRunner(monitor.Config{
		Workers:       cfg.Monitor.Workers,
		PassDeadline:  cfg.Monitor.PassDeadline,
		ShutdownGrace: cfg.Monitor.ShutdownGrace,
	}, monitor.Deps{
		Detector:      det,
		Gate:          a.gate,
		Watermarks:    store,
		Renderer:      templates.NewRenderer(registry),
		Sender:        sender,
		Lock:          monitor.NewPassLock(a.redis.Client, cfg.Monitor.LockKey, cfg.Monitor.LockTTL, log),
		Reporters:     reporters,
		Observability: a.obs,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// checks are the readiness checks for the stores a pass depends on.
func (a *app) checks() map[string]monitor.Check {
	checks := map[string]monitor.Check{
		"postgres": a.pg.Ping,
		"redis":    a.redis.Ping,
	}
	if a.es != nil {
		checks["elasticsearch"] = a.es.Ping
	}
	return checks
}

func (a *app) newReporters(ctx context.Context) ([]monitor.Reporter, error) {
	var reporters []monitor.Reporter
	rc := a.cfg.Reporting

	if rc.Elasticsearch.Enabled {
		es, err := database.NewElasticsearch(a.cfg.Database.Elasticsearch)
		if err != nil {
			return nil, err
		}
		if err := es.Ping(ctx); err != nil {
			a.log.Warn("elasticsearch unreachable, pass reports may be lost", map[string]interface{}{"error": err})
		}
		a.es = es
		reporters = append(reporters, reporting.NewElasticsearchReporter(es.Client, rc.Elasticsearch.PassIndex, rc.Elasticsearch.FailureIndex))
	}

	if rc.SNS.Enabled {
		client, err := aws.NewSNSClient(ctx, a.cfg.Integrations.AWS.Region)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, reporting.NewSNSAlerter(client, rc.SNS.TopicARN))
	}

	return reporters, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config, log logger.Logger) (*database.PostgresClient, error) {
	var pg *database.PostgresClient
	err := retryWithBackoff(ctx, func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return err
		}
		return nil
	}, 15, 2*time.Second, log, "PostgreSQL connection")
	if err != nil {
		return nil, err
	}
	log.Info("PostgreSQL connected successfully", nil)
	return pg, nil
}

// loadRegistry loads dir, or the embedded templates when dir is empty.
func loadRegistry(dir string) (*templates.Registry, error) {
	if dir != "" {
		return templates.LoadDir(dir)
	}
	return templates.Load(assets.Templates())
}

func newRecipientResolver(cfg *config.Config, source *detector.PostgresSource) (detector.RecipientResolver, error) {
	switch cfg.Detector.RecipientSource {
	case "postgres", "":
		return source, nil
	case "keycloak":
		kc := cfg.Auth.Keycloak
		client := auth.NewKeycloakClient(kc.URL, kc.Realm, kc.ClientID, kc.ClientSecret, 10*time.Second)
		return detector.NewKeycloakResolver(client, kc.GroupPrefix), nil
	default:
		return nil, fmt.Errorf("unknown recipient source %q", cfg.Detector.RecipientSource)
	}
}

func newTransport(ctx context.Context, cfg *config.Config, log logger.Logger) (dispatch.Transport, error) {
	switch cfg.Dispatch.Transport {
	case "ses":
		client, err := aws.NewSESClient(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			return nil, err
		}
		return dispatch.NewSESTransport(client), nil
	case "smtp":
		s := cfg.Integrations.SMTP
		return dispatch.NewSMTPTransport(dispatch.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			UseTLS:   s.UseTLS,
		}), nil
	case "gmail":
		g := cfg.Integrations.Gmail
		return dispatch.NewGmailTransport(ctx, dispatch.GmailConfig{
			CredentialsJSON: g.CredentialsJSON,
			ClientID:        g.ClientID,
			ClientSecret:    g.ClientSecret,
			RefreshToken:    g.RefreshToken,
			Sender:          cfg.Dispatch.FromEmail,
		})
	case "log":
		return dispatch.NewLogTransport(log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Dispatch.Transport)
	}
}
