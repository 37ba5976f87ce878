// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/governd/cgr/pkg/anchor"
)

// Config holds process-wide configuration.
type Config struct {
	Port     string
	LogLevel string

	ConstitutionalHash anchor.Hash

	RedisURL string

	// Merkle ledger
	LedgerBatchSize   int
	LedgerQueueSize   int
	LedgerPersistFile string

	// Temporal engine
	SnapshotInterval int
	SnapshotDBPath   string

	// Guardrail pipeline
	PipelineTimeout time.Duration
	SanitizeTimeout time.Duration
	GovernTimeout   time.Duration
	SandboxTimeout  time.Duration
	VerifyTimeout   time.Duration
	FailClosed      bool

	// Router
	ImpactThreshold float64

	// HITL
	DefaultEscalationTimeoutMin  int
	CriticalEscalationTimeoutMin int
	MaxEscalations               int
	EscalationCheckInterval      time.Duration
	SLAWarningPercent            float64
	AuditRetentionDays           int

	// Notifications
	SlackWebhookURL  string
	TeamsWebhookURL  string
	PagerDutyKey     string
	ApprovalBaseURL  string
	NotifyMaxRetries int

	// External anchoring
	AnchorBackends []string // "local", "s3", "gcs"
	AnchorS3Bucket string
	AnchorGCSBkt   string
	AnchorLocalDir string

	// Observability
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from the environment, filling defaults.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		ConstitutionalHash: anchor.Hash(getenv("CONSTITUTIONAL_HASH", anchor.Default.String())),

		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),

		LedgerBatchSize:   getenvInt("LEDGER_BATCH_SIZE", 100),
		LedgerQueueSize:   getenvInt("LEDGER_QUEUE_SIZE", 10000),
		LedgerPersistFile: getenv("LEDGER_PERSIST_FILE", "audit_ledger_storage.json"),

		SnapshotInterval: getenvInt("TEMPORAL_SNAPSHOT_INTERVAL", 100),
		SnapshotDBPath:   getenv("TEMPORAL_SNAPSHOT_DB", "temporal_snapshots.db"),

		PipelineTimeout: getenvDuration("PIPELINE_TIMEOUT", 15*time.Second),
		SanitizeTimeout: getenvDuration("SANITIZE_TIMEOUT", time.Second),
		GovernTimeout:   getenvDuration("GOVERN_TIMEOUT", 5*time.Second),
		SandboxTimeout:  getenvDuration("SANDBOX_TIMEOUT", 10*time.Second),
		VerifyTimeout:   getenvDuration("VERIFY_TIMEOUT", 2*time.Second),
		FailClosed:      getenv("FAIL_CLOSED", "true") == "true",

		ImpactThreshold: getenvFloat("IMPACT_THRESHOLD", 0.8),

		DefaultEscalationTimeoutMin:  getenvInt("DEFAULT_ESCALATION_TIMEOUT_MIN", 30),
		CriticalEscalationTimeoutMin: getenvInt("CRITICAL_ESCALATION_TIMEOUT_MIN", 15),
		MaxEscalations:               getenvInt("MAX_ESCALATIONS", 3),
		EscalationCheckInterval:      getenvDuration("ESCALATION_CHECK_INTERVAL", 5*time.Second),
		SLAWarningPercent:            getenvFloat("SLA_WARNING_PERCENT", 0.75),
		AuditRetentionDays:           getenvInt("AUDIT_RETENTION_DAYS", 365),

		SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		TeamsWebhookURL:  os.Getenv("TEAMS_WEBHOOK_URL"),
		PagerDutyKey:     os.Getenv("PAGERDUTY_ROUTING_KEY"),
		ApprovalBaseURL:  getenv("APPROVAL_BASE_URL", "http://localhost:8080/approvals"),
		NotifyMaxRetries: getenvInt("NOTIFY_MAX_RETRIES", 3),

		AnchorBackends: splitNonEmpty(getenv("ANCHOR_BACKENDS", "local")),
		AnchorS3Bucket: os.Getenv("ANCHOR_S3_BUCKET"),
		AnchorGCSBkt:   os.Getenv("ANCHOR_GCS_BUCKET"),
		AnchorLocalDir: getenv("ANCHOR_LOCAL_DIR", "anchors"),

		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: getenv("TELEMETRY_ENABLED", "false") == "true",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
