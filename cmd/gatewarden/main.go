package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/db"
	"github.com/gatewarden/gatewarden/internal/httpapi"
	"github.com/gatewarden/gatewarden/internal/zerotrust/events"
	"github.com/gatewarden/gatewarden/internal/zerotrust/monitor"
	"github.com/gatewarden/gatewarden/internal/zerotrust/policy"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/service"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store/memory"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store/sqlite"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"

	_ "modernc.org/sqlite"
)

type stores struct {
	identities store.IdentityStore
	devices    store.DeviceStore
	sessions   store.SessionStore
	policies   store.PolicyStore
	decisions  store.DecisionStore
	violations store.ViolationStore
}

func main() {
	cfg := config.FromEnv()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "gatewarden")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		logger.Error("seed load failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New(st.identities, st.devices, st.sessions).
		WithInitialTrust(cfg.InitialTrust)
	for _, r := range seed.Resources {
		reg.RegisterResource(r.Resource())
	}

	policies := policy.NewManager(st.policies, "base")
	if err := seedPolicies(ctx, policies, seed); err != nil {
		logger.Error("policy seed failed", "error", err)
		os.Exit(1)
	}

	engine, err := policy.NewEngine(logger)
	if err != nil {
		logger.Error("policy engine init failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBroadcaster(256, logger)
	assessor := risk.NewAssessor(risk.DefaultConfig())

	decisions := service.NewDecisionService(
		reg, assessor, engine, policies, st.decisions, st.violations, bus,
		service.Config{
			TrustFloor:                cfg.TrustFloor,
			HighSensitivityTrustFloor: cfg.HighSensitivityTrustFloor,
		},
		logger,
	)
	verifier := service.NewVerifier(
		reg, service.StaticIdentityVerifier{}, service.StaticMFAVerifier{},
		service.VerifierConfig{RequireMFA: cfg.RequireMFA},
		logger,
	)

	mon := monitor.New(reg, assessor, st.violations, bus, monitor.Config{
		RecomputeInterval: time.Duration(cfg.RecomputeIntervalSeconds) * time.Second,
		FastScanInterval:  time.Duration(cfg.FastScanIntervalSeconds) * time.Second,
		AgingAfter:        time.Duration(cfg.AgingAfterHours) * time.Hour,
		StaleAfter:        time.Duration(cfg.StaleAfterHours) * time.Hour,
	}, logger)
	mon.Start(ctx)
	defer mon.Stop()

	pruner := monitor.NewDecisionPruner(st.decisions, monitor.PrunerConfig{
		RetentionDays: cfg.DecisionRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)
	pruner.Start(ctx)
	defer pruner.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:         logger,
		Addr:           cfg.HTTPAddr,
		Registry:       reg,
		Verifier:       verifier,
		Decisions:      decisions,
		Policies:       policies,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend, "env", cfg.Env)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, func(), error) {
	if cfg.Backend == "memory" {
		return stores{
			identities: memory.NewIdentityStore(),
			devices:    memory.NewDeviceStore(),
			sessions:   memory.NewSessionStore(),
			policies:   memory.NewPolicyStore(),
			decisions:  memory.NewDecisionStore(),
			violations: memory.NewViolationStore(),
		}, func() {}, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return stores{}, nil, err
	}
	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{}); err != nil {
			logger.Warn("dev seed failed", "error", err)
		}
	}

	writer := db.NewWorker(conn)
	cleanup := func() {
		writer.Close()
		_ = conn.Close()
	}
	return stores{
		identities: sqlite.NewIdentityStore(conn, writer),
		devices:    sqlite.NewDeviceStore(conn, writer),
		sessions:   sqlite.NewSessionStore(conn, writer),
		policies:   sqlite.NewPolicyStore(conn, writer),
		decisions:  sqlite.NewDecisionStore(conn, writer),
		violations: sqlite.NewViolationStore(conn, writer),
	}, cleanup, nil
}

// seedPolicies installs the seed policies that do not exist yet. Existing
// names are left alone so restarts never clobber operator edits.
func seedPolicies(ctx context.Context, m *policy.Manager, seed config.Seed) error {
	for _, ps := range seed.Policies {
		if _, err := m.Latest(ctx, ps.Name); err == nil {
			continue
		}
		rules := make([]types.Rule, 0, len(ps.Rules))
		for _, r := range ps.Rules {
			rules = append(rules, types.Rule{
				Action:    types.RuleAction(r.Action),
				Condition: r.Condition,
			})
		}
		if _, err := m.Create(ctx, policy.Draft{
			Name:              ps.Name,
			Rules:             rules,
			Enabled:           true,
			TargetSensitivity: types.Sensitivity(ps.TargetSensitivity),
			Exclusive:         ps.Exclusive,
		}); err != nil {
			return err
		}
	}
	return nil
}
