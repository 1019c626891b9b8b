package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/degrade"
	"github.com/toolgate/toolgate/internal/gateway/health"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAutoDegradeLevel(t *testing.T) {
	cases := []struct {
		status health.Status
		want   int
	}{
		{health.StatusHealthy, degrade.LevelNormal},
		{health.StatusDegraded, degrade.LevelCaches},
		{health.StatusUnhealthy, degrade.LevelFeatures},
		{health.StatusUnknown, degrade.LevelNormal},
	}
	for _, tc := range cases {
		if got := autoDegradeLevel(tc.status); got != tc.want {
			t.Errorf("autoDegradeLevel(%s) = %d, want %d", tc.status, got, tc.want)
		}
	}
}

func TestHealthTransitionsDriveDegradation(t *testing.T) {
	log := discard()
	deg := degrade.New(log, nil)

	failing := false
	var reg *health.Registry
	reg = health.NewRegistry(log,
		health.WithTransitionHook(func(health.Transition) {
			deg.SetAuto(autoDegradeLevel(reg.Aggregate()))
		}),
	)
	reg.Register(health.CheckConfig{
		Name:             "redis",
		Kind:             health.KindCustom,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Check: func(context.Context) error {
			if failing {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	ctx := context.Background()
	reg.RunCheck(ctx, "redis")
	if got := deg.Level(); got != degrade.LevelNormal {
		t.Fatalf("level while healthy = %d, want %d", got, degrade.LevelNormal)
	}

	failing = true
	reg.RunCheck(ctx, "redis")
	if got := deg.Level(); got != degrade.LevelCaches {
		t.Fatalf("level after first failure = %d, want %d", got, degrade.LevelCaches)
	}

	reg.RunCheck(ctx, "redis")
	if got := deg.Level(); got != degrade.LevelFeatures {
		t.Fatalf("level at failure threshold = %d, want %d", got, degrade.LevelFeatures)
	}

	failing = false
	reg.RunCheck(ctx, "redis")
	if got := deg.Level(); got != degrade.LevelNormal {
		t.Fatalf("level after recovery = %d, want %d", got, degrade.LevelNormal)
	}
}

func TestRunMaintenance_PrunesExpiredRows(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UTC()
	if err := reg.RegisterToken(ctx, &registry.TokenEntry{
		TokenID:     "tok-expired",
		AgentID:     "agent-1",
		PayloadHash: "hash",
		IssuedAt:    now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("register token: %v", err)
	}
	old := &registry.RequestLog{
		CorrID: "corr-old", AgentID: "agent-1", Tool: "search", Action: "query",
		StatusCode: 200, Success: true, CreatedAt: now.Add(-40 * 24 * time.Hour),
	}
	fresh := &registry.RequestLog{
		CorrID: "corr-new", AgentID: "agent-1", Tool: "search", Action: "query",
		StatusCode: 200, Success: true,
	}
	for _, l := range []*registry.RequestLog{old, fresh} {
		if err := reg.AppendRequestLog(ctx, l); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	// The first pass runs immediately; the hour-long ticker never fires.
	go runMaintenance(ctx, reg, time.Hour, 30*24*time.Hour, discard())

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, tokErr := reg.GetToken(ctx, "tok-expired")
		logs, logErr := reg.ListRequestLogs(ctx, "agent-1", 10)
		if logErr != nil {
			t.Fatalf("list logs: %v", logErr)
		}
		if errors.Is(tokErr, registry.ErrNotFound) && len(logs) == 1 && logs[0].CorrID == "corr-new" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rows not pruned: tokErr=%v logs=%d", tokErr, len(logs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
