// Command cgr runs the constitutional governance runtime: it assembles
// the audit ledger, the temporal event engine, the guardrail pipeline,
// the deliberation router, and the approval chain behind a small HTTP
// surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/config"
	"github.com/governd/cgr/pkg/envelope"
	"github.com/governd/cgr/pkg/guardrails"
	"github.com/governd/cgr/pkg/hitl"
	"github.com/governd/cgr/pkg/inference"
	"github.com/governd/cgr/pkg/ledger"
	"github.com/governd/cgr/pkg/observability"
	"github.com/governd/cgr/pkg/policy"
	"github.com/governd/cgr/pkg/resiliency"
	"github.com/governd/cgr/pkg/runtime"
	"github.com/governd/cgr/pkg/sandbox"
	"github.com/governd/cgr/pkg/temporal"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processAnchor := cfg.ConstitutionalHash
	if !processAnchor.Valid() {
		log.Error("malformed constitutional hash", "hash", processAnchor)
		os.Exit(1)
	}

	redisClient := dialRedis(cfg.RedisURL, log)

	led, err := buildLedger(ctx, cfg, redisClient, processAnchor, log)
	if err != nil {
		log.Error("ledger construction failed", "error", err)
		os.Exit(1)
	}

	events, err := buildTemporal(cfg, processAnchor, log)
	if err != nil {
		log.Error("temporal engine construction failed", "error", err)
		os.Exit(1)
	}

	infer := inference.NewCached(inference.Static{Score: 0.3}, 5*time.Minute, 0)

	pipeline, err := buildPipeline(ctx, cfg, redisClient, led, infer, processAnchor, log)
	if err != nil {
		log.Error("pipeline construction failed", "error", err)
		os.Exit(1)
	}

	timerCfg := hitl.TimerConfig{
		DefaultTimeout:  time.Duration(cfg.DefaultEscalationTimeoutMin) * time.Minute,
		CriticalTimeout: time.Duration(cfg.CriticalEscalationTimeoutMin) * time.Minute,
		CheckInterval:   cfg.EscalationCheckInterval,
	}
	approvals, timers, err := buildApprovals(ctx, cfg, redisClient, led, events, timerCfg)
	if err != nil {
		log.Error("approval engine construction failed", "error", err)
		os.Exit(1)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "cgr",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryEnabled,
		SampleRate:   1.0,
		Insecure:     true,
	})
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	rt, err := runtime.New(runtime.Options{
		Anchor:        processAnchor,
		Ledger:        led,
		Temporal:      events,
		Pipeline:      pipeline,
		Approvals:     approvals,
		Timers:        timers,
		Scorer:        inferenceScorer{engine: infer},
		Threshold:     cfg.ImpactThreshold,
		ChainID:       "governance-review",
		TimerConfig:   timerCfg,
		Observability: obs,
	}, processAnchor)
	if err != nil {
		log.Error("runtime construction failed", "error", err)
		os.Exit(1)
	}
	if err := rt.Start(ctx); err != nil {
		log.Error("runtime start failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(rt, processAnchor),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Warn("runtime shutdown", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// dialRedis returns nil when Redis is unreachable; subsystems degrade to
// their local fallbacks.
func dialRedis(url string, log *slog.Logger) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("invalid redis url, running without redis", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, running with local fallbacks", "error", err)
	}
	return client
}

func buildLedger(ctx context.Context, cfg *config.Config, client *redis.Client, processAnchor anchor.Hash, log *slog.Logger) (*ledger.AuditLedger, error) {
	fileStore := ledger.NewFileStore(cfg.LedgerPersistFile)
	var store ledger.Store = fileStore
	if client != nil {
		store = ledger.NewFallbackStore(ledger.NewRedisStore(client), fileStore)
	}
	return ledger.New(ledger.Options{
		Anchor:     processAnchor,
		BatchSize:  cfg.LedgerBatchSize,
		QueueSize:  cfg.LedgerQueueSize,
		Store:      store,
		RootAnchor: buildRootAnchor(ctx, cfg, log),
	}, processAnchor)
}

// buildRootAnchor assembles the failover chain from the configured
// backends, skipping any whose client cannot be constructed.
func buildRootAnchor(ctx context.Context, cfg *config.Config, log *slog.Logger) ledger.RootAnchor {
	var backends []ledger.RootAnchor
	var breakers []ledger.Breaker
	add := func(b ledger.RootAnchor) {
		backends = append(backends, b)
		breakers = append(breakers, resiliency.NewCircuitBreaker(b.Name(), 3, 30*time.Second))
	}
	for _, name := range cfg.AnchorBackends {
		switch strings.TrimSpace(name) {
		case "local":
			b, err := ledger.NewLocalFileAnchor(cfg.AnchorLocalDir)
			if err != nil {
				log.Warn("local anchor unavailable", "error", err)
				continue
			}
			add(b)
		case "s3":
			if cfg.AnchorS3Bucket == "" {
				continue
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Warn("s3 anchor unavailable", "error", err)
				continue
			}
			add(ledger.NewS3Anchor(s3.NewFromConfig(awsCfg), cfg.AnchorS3Bucket))
		case "gcs":
			if cfg.AnchorGCSBkt == "" {
				continue
			}
			gcsClient, err := gcs.NewClient(ctx)
			if err != nil {
				log.Warn("gcs anchor unavailable", "error", err)
				continue
			}
			add(ledger.NewGCSAnchor(gcsClient, cfg.AnchorGCSBkt))
		}
	}
	if len(backends) == 0 {
		return nil
	}
	return ledger.NewFailoverAnchor(backends, breakers)
}

func buildTemporal(cfg *config.Config, processAnchor anchor.Hash, log *slog.Logger) (*temporal.Engine, error) {
	var store temporal.SnapshotStore
	if cfg.SnapshotDBPath != "" {
		s, err := temporal.NewSQLiteSnapshotStore(cfg.SnapshotDBPath)
		if err != nil {
			log.Warn("snapshot store unavailable, snapshots held in memory only", "error", err)
		} else {
			store = s
		}
	}
	return temporal.NewEngine(temporal.EngineOptions{
		Anchor:           processAnchor,
		SnapshotInterval: cfg.SnapshotInterval,
		Store:            store,
	}, processAnchor)
}

func buildPipeline(ctx context.Context, cfg *config.Config, client *redis.Client, led *ledger.AuditLedger, infer inference.Engine, processAnchor anchor.Hash, log *slog.Logger) (*guardrails.Pipeline, error) {
	evaluator, err := policy.NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	enforcer, err := policy.NewEnforcer(evaluator)
	if err != nil {
		return nil, err
	}

	scorer := inferenceScorer{engine: infer}
	govern := guardrails.NewGovernanceStage(guardrails.GovernanceConfig{Anchor: processAnchor},
		enforcer, complianceFromInference{engine: infer}, scorer)

	exec, err := sandboxExecutor(ctx, cfg)
	if err != nil {
		log.Warn("wasm sandbox unavailable, sandbox stage disabled", "error", err)
		exec = nil
	}

	stages := []guardrails.Stage{
		guardrails.NewInputSanitizer(guardrails.SanitizerConfig{RedactPII: true}),
		govern,
	}
	if exec != nil {
		stages = append(stages, guardrails.NewSandboxStage(exec))
	}
	stages = append(stages, guardrails.NewOutputVerifier())

	var limiter guardrails.Limiter
	if client != nil {
		limiter = guardrails.NewRedisLimiter(client, nil, nil)
	} else {
		limiter = guardrails.NewMemoryLimiter(guardrails.DefaultLimitPolicy())
	}

	return guardrails.NewPipeline(guardrails.PipelineConfig{
		PipelineTimeout: cfg.PipelineTimeout,
		StageTimeouts: map[guardrails.Layer]time.Duration{
			guardrails.LayerInputSanitizer: cfg.SanitizeTimeout,
			guardrails.LayerGovernance:     cfg.GovernTimeout,
			guardrails.LayerSandbox:        cfg.SandboxTimeout,
			guardrails.LayerOutputVerifier: cfg.VerifyTimeout,
		},
		FailClosed: cfg.FailClosed,
	}, stages, guardrails.NewAuditSink(led, processAnchor), limiter), nil
}

func buildApprovals(ctx context.Context, cfg *config.Config, client *redis.Client, led *ledger.AuditLedger, events *temporal.Engine, timerCfg hitl.TimerConfig) (*hitl.Engine, *hitl.TimerEngine, error) {
	timers := hitl.NewTimerEngine(client, timerCfg)

	var store hitl.TrailStore
	if client != nil {
		retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
		store = hitl.NewRedisTrailStore(client, retention)
	} else {
		store = hitl.NewMemoryTrailStore()
	}
	trail, err := hitl.NewAuditTrail(ctx, store, cfg.ConstitutionalHash)
	if err != nil {
		return nil, nil, err
	}

	retry := resiliency.DefaultRetryConfig()
	retry.MaxAttempts = cfg.NotifyMaxRetries
	notifier := hitl.NewOrchestrator([]hitl.Provider{
		&hitl.SlackProvider{WebhookURL: cfg.SlackWebhookURL},
		&hitl.TeamsProvider{WebhookURL: cfg.TeamsWebhookURL},
		&hitl.PagerDutyProvider{RoutingKey: cfg.PagerDutyKey},
	}, retry)

	engine, err := hitl.NewEngine(hitl.EngineOptions{
		Anchor:         cfg.ConstitutionalHash,
		Chains:         defaultChains(),
		Timers:         timers,
		Trail:          trail,
		SLA:            hitl.NewSLATracker(timerCfg, cfg.SLAWarningPercent),
		Notifier:       notifier,
		Ledger:         led,
		Events:         events,
		MaxEscalations: cfg.MaxEscalations,
		ApprovalURL:    cfg.ApprovalBaseURL,
	}, cfg.ConstitutionalHash)
	if err != nil {
		return nil, nil, err
	}
	return engine, timers, nil
}

// defaultChains is the built-in review chain used when no definitions
// file is provided. CHAIN_DEFINITIONS overrides it.
func defaultChains() []hitl.ChainDefinition {
	if path := os.Getenv("CHAIN_DEFINITIONS"); path != "" {
		if chains, err := hitl.LoadChainDefinitions(path); err == nil {
			return chains
		}
	}
	return []hitl.ChainDefinition{{
		ID:      "governance-review",
		Name:    "Governance review",
		Version: "1.0.0",
		Steps: []hitl.Step{
			{Name: "operator review", Roles: []string{"operator"}, Quorum: 1, EscalationRole: "admin"},
		},
	}}
}

// sandboxExecutor builds the bounded wasm executor for tool invocations.
func sandboxExecutor(ctx context.Context, cfg *config.Config) (sandbox.Executor, error) {
	return sandbox.NewWasiSandbox(ctx, sandbox.Config{TimeLimit: cfg.SandboxTimeout})
}

// inferenceScorer adapts the inference engine to the impact scorer
// contract shared by the router and the governance stage.
type inferenceScorer struct {
	engine inference.Engine
}

func (s inferenceScorer) Score(ctx context.Context, payload map[string]interface{}) (float64, error) {
	result, err := s.engine.Probability(ctx, "impact", payload)
	if err != nil {
		return 0, err
	}
	return result.Probability, nil
}

// complianceFromInference scores constitutional compliance as the
// complement of contradiction-weighted probability mass.
type complianceFromInference struct {
	engine inference.Engine
}

func (c complianceFromInference) ComplianceScore(ctx context.Context, data map[string]interface{}) (float64, error) {
	result, err := c.engine.Probability(ctx, "compliance", data)
	if err != nil {
		return 0, err
	}
	if len(result.Contradictions) > 0 {
		return result.Probability / float64(1+len(result.Contradictions)), nil
	}
	// A neutral prior is treated as compliant.
	if result.Probability < 0.5 {
		return 1 - result.Probability, nil
	}
	return result.Probability, nil
}

// newHandler exposes the runtime over HTTP.
func newHandler(rt *runtime.Runtime, processAnchor anchor.Hash) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "constitutional_hash": processAnchor.String()})
	})

	mux.HandleFunc("POST /v1/process", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TenantID    string                 `json:"tenant_id"`
			ActorID     string                 `json:"actor_id"`
			To          string                 `json:"to"`
			MessageType string                 `json:"message_type"`
			Payload     map[string]interface{} `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		env := envelope.New(body.TenantID, body.ActorID, body.To,
			envelope.MessageType(body.MessageType), body.Payload, processAnchor)
		outcome, err := rt.Process(r.Context(), env)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	mux.HandleFunc("POST /v1/approvals/{id}/approve", approvalAction(rt.Approve))
	mux.HandleFunc("POST /v1/approvals/{id}/reject", approvalAction(rt.Reject))

	mux.HandleFunc("GET /v1/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		req, ok := rt.Approvals().Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request"})
			return
		}
		writeJSON(w, http.StatusOK, req)
	})

	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"router": rt.Router().Stats(),
			"ledger": rt.Ledger().Stats(),
			"events": rt.Temporal().EventCount(),
		})
	})

	return mux
}

func approvalAction(fn func(ctx context.Context, requestID, approver, role, rationale string) (*hitl.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approver  string `json:"approver"`
			Role      string `json:"role"`
			Rationale string `json:"rationale"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req, err := fn(r.Context(), r.PathValue("id"), body.Approver, body.Role, body.Rationale)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
