package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	labflow "github.com/JustinD-T/Quantum-Subradience"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "health":
		err = healthCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("labflow %s: %v", cmd, err)
	}
}

func newLogger(verbose bool) (logr.Logger, func()) {
	var (
		zl  *zap.Logger
		err error
	)
	if verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard(), func() {}
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./labflow.yaml", "Path to session configuration file")
	watch := fs.Bool("watch", false, "Reload instruments when the config file changes")
	verbose := fs.Bool("verbose", false, "Enable development logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, sync := newLogger(*verbose)
	defer sync()

	cfg, err := labflow.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := labflow.NewRuntime(cfg, labflow.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if *watch {
		go func() {
			if err := rt.Watch(ctx, *cfgPath); err != nil {
				logger.Error(err, "config watch stopped")
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.StopGrace+5*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./labflow.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := labflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d instrument(s)\n", *cfgPath, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		line := fmt.Sprintf("  %-12s %-18s %s", in.ID, in.Kind, in.Transport)
		if in.Kind == labflow.KindSpectrumAnalyzer {
			line += fmt.Sprintf("  %d pts, sweep %s, integration %s", in.Sweep.Points, in.Sweep.SweepTime, in.Sweep.IntegrationTime())
		}
		fmt.Println(line)
	}
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var snapshotMetrics = []string{
	"labflow_samples_published_total",
	"labflow_bus_dropped_total",
	"labflow_samples_recorded_total",
	"labflow_instrument_faults_total",
	"labflow_active_instruments",
	"labflow_queue_length",
	"labflow_wal_size_bytes",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body, snapshotMetrics)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] published=%.0f dropped=%.0f recorded=%.0f faults=%.0f active=%.0f queue=%.0f wal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["labflow_samples_published_total"],
		values["labflow_bus_dropped_total"],
		values["labflow_samples_recorded_total"],
		values["labflow_instrument_faults_total"],
		values["labflow_active_instruments"],
		values["labflow_queue_length"],
		values["labflow_wal_size_bytes"],
	)
	return nil
}

// scanMetrics picks unlabelled samples out of the Prometheus text format.
func scanMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range names {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	return values, scanner.Err()
}

func healthCommand(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/healthz", "Health endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var report labflow.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode health report: %w", err)
	}
	printHealth(os.Stdout, report)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session %s", report.Status)
	}
	return nil
}

func printHealth(w io.Writer, h labflow.HealthReport) {
	fmt.Fprintf(w, "session %s (%s) %s: %s, up %s\n", h.Name, h.SessionID, h.State, h.Status, h.Uptime.Round(time.Second))
	if h.Message != "" {
		fmt.Fprintf(w, "  %s\n", h.Message)
	}
	for _, in := range h.Instruments {
		fmt.Fprintf(w, "  %-12s %-10s samples=%d retries=%d\n", in.ID, in.State, in.Samples, in.Retries)
	}
	for _, f := range h.Faulted {
		fmt.Fprintf(w, "  fault %s: %s %s\n", f.ID, f.ErrorKind, f.Error)
	}
}

func printUsage() {
	fmt.Printf(`labflow CLI

Usage:
  labflow <command> [flags]

Commands:
  run        Start an acquisition session from the provided config
  validate   Load and validate a config file without opening instruments
  stats      Poll the Prometheus metrics endpoint and print live counters
  health     Print the health report of a running session

Examples:
  labflow run -config ./labflow.yaml -watch
  labflow validate -config ./labflow.yaml
  labflow stats -url http://localhost:9100/metrics -interval 1s
  labflow health -url http://localhost:9100/healthz
`)
}
