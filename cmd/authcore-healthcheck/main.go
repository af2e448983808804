// Command authcore-healthcheck boots the core exactly as cmd/server
// would, prints its health and metrics snapshot, and exits non-zero if
// overall status isn't HEALTHY. Mirrors the teacher's cmd/ocx-check
// pre-flight diagnostic, generalized from a hardcoded component list to
// whatever bootstrap.Core.Health reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ocx/authcore/internal/bootstrap"
	"github.com/ocx/authcore/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	timeout := flag.Duration("timeout", 10*time.Second, "startup timeout")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("authcore-healthcheck: config load failed", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	core, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("authcore-healthcheck: bootstrap failed", "error", err)
		os.Exit(2)
	}
	defer core.Shutdown()

	health := core.Health()
	metrics := core.Metrics()

	fmt.Printf("authcore pre-flight diagnostic\n")
	fmt.Printf("-------------------------------\n")
	fmt.Printf("overall: %s\n", health.Overall)
	fmt.Printf("gate mode: %s\n", health.GateMode)
	for name, status := range health.Components {
		fmt.Printf("  %-24s %s\n", name, status)
	}
	for pool, ph := range health.PoolStates {
		fmt.Printf("  pool %-18s %s (breaker=%s in_flight=%d failures=%d)\n",
			pool, ph.Status, ph.BreakerState, ph.InFlightLeases, ph.ConsecutiveFailures)
	}
	fmt.Printf("-------------------------------\n")
	for opType, stats := range metrics.OperationStats {
		if stats.Count == 0 {
			continue
		}
		fmt.Printf("  %-16s count=%-6d avg=%.2fms p95=%.2fms p99=%.2fms success=%.1f%%\n",
			opType, stats.Count, stats.Average, stats.P95, stats.P99, stats.SuccessRate*100)
	}

	if health.Overall != "HEALTHY" {
		os.Exit(1)
	}
}
