package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/config"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/escalation"
	"github.com/gosuda/bastion/internal/guard"
	"github.com/gosuda/bastion/internal/identity"
	"github.com/gosuda/bastion/internal/metrics"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/server"
	"github.com/gosuda/bastion/internal/store/memory"
	"github.com/gosuda/bastion/internal/store/postgres"
	redisstore "github.com/gosuda/bastion/internal/store/redis"
	"github.com/gosuda/bastion/internal/threat"
)

// storage is what both backends provide to the pipeline.
type storage interface {
	Audit() domain.AuditRepository
	SecurityEvents() domain.SecurityEventRepository
	Close()
}

type decisionStore interface {
	domain.ThreatDecisionSource
	Upsert(ctx context.Context, d *domain.ThreatDecision) error
	Delete(ctx context.Context, identity string) error
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	ready := make(map[string]server.Pinger)

	store, decisions, err := openStorage(ctx, cfg, ready)
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis when configured.
	var pubsub *redisstore.PubSub
	if cfg.Redis.Addr != "" {
		pubsub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer pubsub.Close()
		ready["redis"] = pubsub
	}

	// Audit chain, continued from storage.
	emergency, err := openEmergencyLog(cfg.Audit.EmergencyLogPath)
	if err != nil {
		return err
	}
	defer emergency.Close()

	chain, err := audit.NewChain(store.Audit(), cfg.Audit.Secret,
		audit.WithEmergency(emergency),
		audit.WithAppendObserver(m.AuditAppend),
	)
	if err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}
	if err := chain.Restore(ctx); err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}
	log.Info().Uint64("sequence", chain.Sequence()).Msg("audit chain restored")

	// Threat cache, refreshed on TTL and on decision change notices.
	threats := threat.NewCache(decisions, threat.Config{
		TTL:            cfg.Threat.TTL,
		RapidThreshold: cfg.Threat.RapidThreshold,
	}, threat.OnRefresh(m.CacheRefresh))
	go threats.Run(ctx)

	var announce func(ctx context.Context, identity string) error
	if pubsub != nil {
		decisionChannel := redisstore.DecisionChannel(cfg.Redis.Namespace)
		notices, unsubscribe, subErr := pubsub.Subscribe(ctx, decisionChannel)
		if subErr != nil {
			return fmt.Errorf("decision notices: %w", subErr)
		}
		defer unsubscribe()
		go threats.RefreshOn(ctx, notices)

		announce = func(ctx context.Context, identity string) error {
			return pubsub.Publish(ctx, decisionChannel, []byte(identity))
		}
	}

	// Adaptive rate limiter with load sampling.
	limiter, err := ratelimit.New(ratelimit.Config{
		Classes: applyClassLimits(ratelimit.DefaultClasses(), cfg.Routes.Limits),
	}, ratelimit.WithExemptions(threats))
	if err != nil {
		return err
	}
	go limiter.Run(ctx)

	sampler := ratelimit.NewSampler(ratelimit.DefaultLoadSource(), limiter, 15*time.Second)
	sampler.OnSample(func(load float64) { m.Load(load, ratelimit.LoadFactor(load)) })
	go sampler.Run(ctx)

	// Escalation sinks. Closers run after the dispatcher drains.
	sinks, closers, err := buildSinks(cfg, pubsub)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if closeErr := c.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("closing escalation sink")
			}
		}
	}()
	dispatcher := escalation.NewDispatcher(sinks,
		escalation.OnResult(m.Escalation),
		escalation.OnDrop(func(*escalation.Threat) { m.EscalationDropped() }),
	)
	defer dispatcher.Close()

	// Request pipeline.
	extraRules, err := guard.ParseRouteRules(cfg.Routes.Rules)
	if err != nil {
		return err
	}
	g := guard.New(guard.Deps{
		Resolver:  identity.NewResolver(cfg.JWT.Secret, cfg.Server.TrustProxy),
		Threats:   threats,
		Limiter:   limiter,
		Chain:     chain,
		Events:    store.SecurityEvents(),
		Escalator: dispatcher,
		Observer:  m,
	}, guard.Config{
		Routes:          guard.NewRouteClassifier(append(extraRules, guard.DefaultRouteRules()...), ""),
		AuditedPrefixes: cfg.Audit.AuditedPrefixes,
		RepeatWindow:    cfg.Threat.RepeatWindow,
		Breaker: breaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			ResetTimeout:      cfg.Breaker.ResetTimeout,
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		},
	})

	upstream, err := server.NewUpstream(cfg.Server.UpstreamURL)
	if err != nil {
		return err
	}

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, server.Deps{
		Guard:     g,
		Upstream:  upstream,
		Audit:     chain,
		Threats:   threats,
		Limiter:   limiter,
		Metrics:   m.Handler(),
		Decisions: decisions,
		Announce:  announce,
		Events:    store.SecurityEvents(),
		Ready:     ready,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("upstream", cfg.Server.UpstreamURL).
			Str("storage", cfg.Storage).
			Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, ready map[string]server.Pinger) (storage, decisionStore, error) {
	if cfg.Storage == config.StorageMemory {
		s := memory.New()
		return s, s.Decisions(), nil
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	s, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	ready["postgres"] = s
	return s, s.Decisions(), nil
}

func openEmergencyLog(path string) (*audit.EmergencyLog, error) {
	if path == "" {
		return audit.NewEmergencyLog(log.Logger), nil
	}
	return audit.OpenEmergencyLog(path)
}

// applyClassLimits replaces the budget of each overridden class.
func applyClassLimits(classes []ratelimit.RouteClass, overrides []config.ClassLimit) []ratelimit.RouteClass {
	for _, o := range overrides {
		found := false
		for i := range classes {
			if classes[i].Name == o.Class {
				classes[i].Limit = o.Limit
				classes[i].Window = o.Window
				found = true
			}
		}
		if !found {
			classes = append(classes, ratelimit.RouteClass{
				Name:    o.Class,
				Limit:   o.Limit,
				Window:  o.Window,
				Timeout: 30 * time.Second,
			})
		}
	}
	return classes
}

// buildSinks returns the configured escalation sinks. The log sink is always
// present.
func buildSinks(cfg *config.Config, pubsub *redisstore.PubSub) ([]escalation.Sink, []io.Closer, error) {
	sinks := []escalation.Sink{escalation.LogSink{}}
	var closers []io.Closer

	if pubsub != nil {
		sinks = append(sinks, escalation.NewRedisSink(pubsub, redisstore.ThreatChannel(cfg.Redis.Namespace)))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k := escalation.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, k)
		closers = append(closers, k)
	}

	if cfg.RabbitMQ.URL != "" {
		r, err := escalation.DialRabbitSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		sinks = append(sinks, r)
		closers = append(closers, r)
	}

	if cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		sinks = append(sinks, escalation.NewSlackSink(
			slacklib.New(cfg.Slack.BotToken),
			cfg.Slack.Channel,
			domain.Severity(cfg.Slack.MinSeverity),
		))
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info().Strs("sinks", names).Msg("escalation sinks configured")

	return sinks, closers, nil
}
