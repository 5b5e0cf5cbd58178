package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/circuitbreaker"
	"github.com/mbd888/auroraguard/internal/config"
	"github.com/mbd888/auroraguard/internal/engine"
	"github.com/mbd888/auroraguard/internal/events"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/health"
	"github.com/mbd888/auroraguard/internal/retry"
	"github.com/mbd888/auroraguard/internal/rules"
	"github.com/mbd888/auroraguard/internal/scoring"
	"github.com/mbd888/auroraguard/internal/syncutil"
)

// buildEngine wires the feature store, rules, scorer, calibrator and event
// sinks described by the config.
func (s *Server) buildEngine(ctx context.Context) error {
	cfg := s.cfg

	store, err := s.openFeatureStore(ctx)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpen)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "dependency", key, "from", from.String(), "to", to.String())
	})
	s.health.Register(features.BreakerKey+"_circuit", health.BreakerChecker(features.BreakerKey, breaker, features.BreakerKey))

	aggregator := features.NewAggregator(store).
		WithFreshness(cfg.FeatureFreshness).
		WithGate(syncutil.NewGate(cfg.FeatureMaxInFlight, cfg.FeatureMaxQueue)).
		WithBreaker(breaker).
		WithLogger(s.logger)

	ruleEngine := rules.DefaultRules()
	if cfg.RulesPath != "" {
		var version string
		ruleEngine, version, err = rules.LoadFile(cfg.RulesPath)
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		s.logger.Info("rules loaded", "path", cfg.RulesPath, "version", version, "count", len(ruleEngine.Rules()))
	}

	var scorer scoring.Scorer
	if cfg.ScorerURL != "" {
		scorer = scoring.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerModel).
			WithGate(syncutil.NewGate(cfg.ScorerMaxInFlight, cfg.ScorerMaxQueue)).
			WithBreaker(breaker).
			WithLogger(s.logger)
		s.health.Register(scoring.BreakerKey+"_circuit", health.BreakerChecker(scoring.BreakerKey, breaker, scoring.BreakerKey))
	} else {
		s.logger.Warn("no SCORER_URL set, decisions will use rules only")
	}

	s.calibrator = calibration.NewCalibrator(nil)
	if cfg.CalibrationCurvePath != "" {
		curve, err := calibration.LoadFile(cfg.CalibrationCurvePath)
		if err != nil {
			return fmt.Errorf("failed to load calibration curve: %w", err)
		}
		s.calibrator.Rotate(curve)
		s.logger.Info("calibration curve loaded", "version", curve.Version(), "model_version", curve.ModelVersion())
	}

	sinks := events.Multi{
		events.NewLogSink(nil),
		events.MetricsSink{},
		events.TraceSink{},
		s.realtimeHub,
	}
	if len(cfg.KafkaBrokers) > 0 {
		w, err := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaDecisionTopic)
		if err != nil {
			return err
		}
		s.publisher = events.NewKafkaPublisher(w, events.DefaultKafkaBuffer, s.logger)
		sinks = append(sinks, s.publisher)
		s.logger.Info("decision events publishing to kafka", "topic", cfg.KafkaDecisionTopic)
	}

	s.engine = engine.New(aggregator, ruleEngine, scorer, s.calibrator).
		WithLogger(s.logger).
		WithPolicy(cfg.Policy).
		WithBudget(cfg.DecisionBudget, cfg.DecisionMargin).
		WithCeilings(cfg.FeatureTimeout, cfg.ScoringTimeout).
		WithCurveVersion(cfg.CalibrationCurveVersion).
		WithSink(sinks)
	return nil
}

// openFeatureStore connects the configured backend. Start-up pings are
// retried; request-path lookups never are.
func (s *Server) openFeatureStore(ctx context.Context) (features.Store, error) {
	cfg := s.cfg
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.FeatureStore {
	case config.StoreRedis:
		client, err := features.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.redis = client
		store := features.NewRedisStore(client)
		if err := retry.Do(pingCtx, s.startupRetry("redis"), store.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("feature_store", health.PingChecker("feature_store", store))
		s.logger.Info("using redis feature store")
		return store, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		store := features.NewPostgresStore(db)
		if err := retry.Do(pingCtx, s.startupRetry("postgres"), store.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate feature store", "error", err)
		}
		s.health.Register("feature_store", health.PingChecker("feature_store", store))
		s.logger.Info("using PostgreSQL feature store", "url", maskDSN(cfg.DatabaseURL))
		return store, nil

	default:
		s.logger.Info("using in-memory feature store")
		return features.NewMemoryStore(), nil
	}
}

func (s *Server) startupRetry(dep string) retry.Policy {
	p := retry.DefaultPolicy()
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("dependency not reachable, retrying",
			"dependency", dep, "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
	}
	return p
}
