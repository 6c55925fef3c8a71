package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chunkstar/agentanchor-app/pkg/client"
	"github.com/chunkstar/agentanchor-app/pkg/config"
	"github.com/chunkstar/agentanchor-app/pkg/tiers"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cmd := "serve"
	if len(args) >= 2 {
		cmd = args[1]
	}

	switch cmd {
	case "serve", "server":
		return withConfig(stderr, func(cfg *config.Config) int { return runServe(cfg, stdout, stderr) })
	case "sweep":
		return withConfig(stderr, func(cfg *config.Config) int { return runSweep(cfg, stdout, stderr) })
	case "keys":
		return withConfig(stderr, func(cfg *config.Config) int { return runKeys(cfg, stdout, stderr) })
	case "health":
		return withConfig(stderr, func(cfg *config.Config) int { return runHealth(cfg, stdout, stderr) })
	case "tiers":
		return runTiers(stdout)
	case "version":
		fmt.Fprintf(stdout, "anchor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func withConfig(stderr io.Writer, fn func(*config.Config) int) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration:\n%v\n", err)
		return 2
	}
	return fn(cfg)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "AgentAnchor governance server %s\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  anchor <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the API server (default)")
	printCommand(w, "sweep", "Expire overdue escalations once and exit")
	printCommand(w, "keys", "Print the public verification keys (JWKS)")
	printCommand(w, "tiers", "Print the trust tier table")
	printCommand(w, "health", "Check a running server's /health")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func runServe(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer a.Close()

	go a.sweepLoop(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[anchor] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "server error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
	}

	log.Println("[anchor] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "stopped")
	return 0
}

func runSweep(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer a.Close()

	n, err := a.sweep(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "sweep failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "expired %d escalation(s)\n", n)
	return 0
}

func runKeys(cfg *config.Config, stdout, stderr io.Writer) int {
	keys, err := newKeySet(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "keys: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(keys.JWKS()); err != nil {
		fmt.Fprintf(stderr, "keys: %v\n", err)
		return 1
	}
	return 0
}

func runTiers(stdout io.Writer) int {
	fmt.Fprintf(stdout, "%-12s %-6s %9s %13s\n", "TIER", "CODE", "SCORE", "MAX RISK")
	for _, t := range tiers.All() {
		fmt.Fprintf(stdout, "%-12s %-6s %4d-%-4d %13d\n", t.Name, t.Code, t.MinScore, t.MaxScore, t.Autonomy.MaxRiskLevel)
	}
	return 0
}

func runHealth(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New("http://localhost:" + cfg.Port)
	if err := c.Health(ctx); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
