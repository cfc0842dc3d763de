package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string

	// Storage
	Env     string // "dev" | "prod"
	Backend string // "memory" | "sqlite"
	DBPath  string // e.g. "./data/gatewarden.db"

	// Verification
	RequireMFA   bool
	InitialTrust float64

	// Decision hard gates
	TrustFloor                float64
	HighSensitivityTrustFloor float64

	// Monitor cadences
	RecomputeIntervalSeconds int
	FastScanIntervalSeconds  int
	AgingAfterHours          int
	StaleAfterHours          int

	// Audit retention
	DecisionRetentionDays int // 0 = keep forever
	PruneIntervalHours    int // how often the pruner runs (default 6)

	// HTTP rate limiting (per client)
	RateLimitRPS   int
	RateLimitBurst int

	// SeedFile points at a YAML file declaring the resource catalog and
	// starting policies. Empty means built-in defaults.
	SeedFile string
}

func FromEnv() Config {
	addr := getenvDefault("GATEWARDEN_HTTP_ADDR", ":8080")

	env := strings.ToLower(getenvDefault("GATEWARDEN_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	backend := strings.ToLower(getenvDefault("GATEWARDEN_BACKEND", "sqlite"))
	if backend != "memory" && backend != "sqlite" {
		backend = "sqlite"
	}

	return Config{
		HTTPAddr: addr,
		Env:      env,
		Backend:  backend,
		DBPath:   getenvDefault("GATEWARDEN_DB_PATH", "./data/gatewarden.db"),

		RequireMFA:   getenvBool("GATEWARDEN_REQUIRE_MFA"),
		InitialTrust: getenvFloat("GATEWARDEN_INITIAL_TRUST", 0.5),

		TrustFloor:                getenvFloat("GATEWARDEN_TRUST_FLOOR", 0.7),
		HighSensitivityTrustFloor: getenvFloat("GATEWARDEN_HIGH_SENSITIVITY_TRUST_FLOOR", 0.9),

		RecomputeIntervalSeconds: getenvInt("GATEWARDEN_RECOMPUTE_INTERVAL_SECONDS", 30),
		FastScanIntervalSeconds:  getenvInt("GATEWARDEN_FAST_SCAN_INTERVAL_SECONDS", 5),
		AgingAfterHours:          getenvInt("GATEWARDEN_AGING_AFTER_HOURS", 8),
		StaleAfterHours:          getenvInt("GATEWARDEN_STALE_AFTER_HOURS", 24),

		DecisionRetentionDays: getenvInt("GATEWARDEN_DECISION_RETENTION_DAYS", 90),
		PruneIntervalHours:    getenvInt("GATEWARDEN_PRUNE_INTERVAL_HOURS", 6),

		RateLimitRPS:   getenvInt("GATEWARDEN_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getenvInt("GATEWARDEN_RATE_LIMIT_BURST", 100),

		SeedFile: os.Getenv("GATEWARDEN_SEED_FILE"),
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}

func getenvBool(key string) bool {
	v := os.Getenv(key)
	return strings.EqualFold(v, "true") || v == "1"
}
