package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	v1 "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/connection"
	"github.com/fleetforge-labs/fleetforge/internal/engine"
	"github.com/fleetforge-labs/fleetforge/internal/logger"
	"github.com/fleetforge-labs/fleetforge/internal/metrics"
	"github.com/fleetforge-labs/fleetforge/internal/tracing"

	_ "github.com/fleetforge-labs/fleetforge/modules/debug"
	_ "github.com/fleetforge-labs/fleetforge/modules/ping"
	_ "github.com/fleetforge-labs/fleetforge/modules/shell"
	_ "github.com/fleetforge-labs/fleetforge/modules/waitfor"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
	ExitSigIntBase = 128
	ExitSigInt     = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm    = ExitSigIntBase + int(syscall.SIGTERM)
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type runOptions struct {
	playbookPath   string
	inventoryPath  string
	logLevel       string
	logFormat      string
	forks          int
	checkMode      bool
	diffMode       bool
	extraVars      []string
	taskTimeout    time.Duration
	sshUser        string
	connectTimeout time.Duration
	metricsAddr    string
	enableTracing  bool
	warmConns      bool
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(ExitUsageError)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetforge",
		Short:         "FleetForge runs playbooks against a fleet of hosts over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetforge version %s\n", version)
			fmt.Printf("commit: %s\n", commit)
			fmt.Printf("built: %s\n", buildDate)
			fmt.Printf("go version: %s\n", runtime.Version())
			fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newValidateCommand() *cobra.Command {
	var playbookPath, inventoryPath, logLevel string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a playbook (and optionally an inventory) without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewLogger(logLevel, "text", os.Stderr)

			if _, err := config.LoadPlaybookFromFile(playbookPath); err != nil {
				var validationErr *fferrors.ValidationError
				var configErr *fferrors.ConfigError
				switch {
				case errors.As(err, &validationErr):
					log.Errorf("Playbook validation failed:\n%s", validationErr.Error())
				case errors.As(err, &configErr):
					log.Errorf("Playbook configuration error:\n%s", configErr.Error())
				default:
					log.Errorf("Failed to load playbook: %v", err)
				}
				os.Exit(ExitFailure)
			}
			log.Infof("Playbook validation successful: %s", playbookPath)

			if inventoryPath != "" {
				if _, err := config.LoadInventoryFromFile(inventoryPath); err != nil {
					log.Errorf("Inventory validation failed: %v", err)
					os.Exit(ExitFailure)
				}
				log.Infof("Inventory validation successful: %s", inventoryPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&playbookPath, "playbook", "p", "", "Path to the playbook YAML file (required)")
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "Path to the inventory YAML file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("playbook")
	return cmd
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a playbook against an inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runPlaybook(opts))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.playbookPath, "playbook", "p", "", "Path to the playbook YAML file (required)")
	flags.StringVarP(&opts.inventoryPath, "inventory", "i", "", "Path to the inventory YAML file (required)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	flags.IntVar(&opts.forks, "forks", runtime.NumCPU(), "Maximum concurrent task executions across the fleet")
	flags.BoolVar(&opts.checkMode, "check", false, "Dry run: report what would change without changing anything")
	flags.BoolVar(&opts.diffMode, "diff", false, "Ask modules for before/after detail")
	flags.StringArrayVarP(&opts.extraVars, "extra-var", "e", nil, "Extra variable as key=value (highest precedence, repeatable)")
	flags.DurationVar(&opts.taskTimeout, "task-timeout", 0, "Default per-task timeout (0 disables)")
	flags.StringVar(&opts.sshUser, "user", "", "Default SSH user for hosts that name none")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", 10*time.Second, "SSH connect timeout per dial attempt")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.BoolVar(&opts.enableTracing, "trace", false, "Enable OpenTelemetry tracing from OTEL_* environment variables")
	flags.BoolVar(&opts.warmConns, "warm-connections", false, "Pre-dial sessions to each play's hosts before the first task")
	_ = cmd.MarkFlagRequired("playbook")
	_ = cmd.MarkFlagRequired("inventory")
	return cmd
}

func runPlaybook(opts *runOptions) int {
	if opts.logFormat != "text" && opts.logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: --log-format must be 'text' or 'json'")
		return ExitUsageError
	}
	log := logger.NewLogger(opts.logLevel, opts.logFormat, os.Stderr)
	log = log.With("fleetforge_version", version)
	log.Infof("FleetForge v%s starting...", version)

	extraVars, err := parseExtraVars(opts.extraVars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	inv, err := config.LoadInventoryFromFile(opts.inventoryPath)
	if err != nil {
		log.Errorf("Failed to load inventory '%s': %v", opts.inventoryPath, err)
		return ExitFailure
	}
	playbookBytes, err := os.ReadFile(opts.playbookPath)
	if err != nil {
		log.Errorf("Failed to read playbook file '%s': %v", opts.playbookPath, err)
		return ExitFailure
	}

	tracerProvider, err := buildTracerProvider(opts.enableTracing, log)
	if err != nil {
		log.Errorf("Failed to initialize tracing: %v", err)
		return ExitFailure
	}

	sshDialer := connection.NewSSHDialer(connection.SSHDialerConfig{
		ConnectTimeout: opts.connectTimeout,
		DefaultUser:    opts.sshUser,
	}, log)
	// Hosts with "transport: local" in their options bypass SSH.
	dialer := connection.NewRoutingDialer(sshDialer)

	metricsProvider := metrics.NewPrometheusRegistryProvider()
	engineOpts := []v1.EngineOption{
		v1.WithDialer(dialer),
		v1.WithMetricsRegistryProvider(metricsProvider),
		v1.WithTracerProvider(tracerProvider),
		v1.WithForks(opts.forks),
		v1.WithCheckMode(opts.checkMode),
		v1.WithDiffMode(opts.diffMode),
		v1.WithConnectionWarmup(opts.warmConns),
	}
	if opts.taskTimeout > 0 {
		engineOpts = append(engineOpts, v1.WithDefaultTaskTimeout(opts.taskTimeout))
	}
	if len(extraVars) > 0 {
		engineOpts = append(engineOpts, v1.WithExtraVars(extraVars))
	}

	eng, err := engine.NewEngine(inv, log, engineOpts...)
	if err != nil {
		log.Errorf("Failed to create engine: %v", err)
		return ExitFailure
	}

	if opts.metricsAddr != "" {
		serveMetrics(opts.metricsAddr, metricsProvider, log)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var sigMu sync.Mutex
	var receivedSignal os.Signal
	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	log.Infof("Starting playbook execution...")
	report, execErr := eng.RunPlaybook(runCtx, playbookBytes)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if shutdownErr := tracerProvider.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("Error shutting down tracer provider: %v", shutdownErr)
	}

	printRecap(log, report, execErr)
	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(report, execErr, finalSignal)
}

func buildTracerProvider(enabled bool, log fflog.Logger) (*tracing.OtelTracerProvider, error) {
	if !enabled {
		return tracing.NewNoOpProvider()
	}
	provider, err := tracing.NewProviderFromEnv(context.Background())
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		return tracing.NewNoOpProvider()
	}
	return provider, nil
}

func serveMetrics(addr string, provider *metrics.PrometheusRegistryProvider, log fflog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
	go func() {
		log.Infof("Serving Prometheus metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warnf("Metrics server stopped: %v", err)
		}
	}()
}

func parseExtraVars(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid extra var '%s', expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// printRecap logs the per-host summary lines and the overall verdict.
func printRecap(log fflog.Logger, report *v1.ExecutionReport, execErr error) {
	if report == nil {
		log.Warnf("Execution finished but no report was generated (likely due to early failure).")
		if execErr != nil {
			logExecutionErrorReason(log, execErr)
		}
		return
	}

	hosts := make([]string, 0, len(report.HostSummaries))
	for host := range report.HostSummaries {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	log.Infof("PLAY RECAP")
	for _, host := range hosts {
		s := report.HostSummaries[host]
		log.Infof("  %-24s ok=%-3d changed=%-3d failed=%-3d skipped=%-3d unreachable=%d",
			host, s.Ok, s.Changed, s.Failed, s.Skipped, s.Unreachable)
	}

	statusLine := fmt.Sprintf("Playbook '%s' finished. Status: %s. Duration: %v",
		report.PlaybookName, report.OverallStatus, report.Duration.Truncate(time.Millisecond))
	if report.OverallStatus == "succeeded" {
		log.Infof("%s", statusLine)
		return
	}
	log.Errorf("%s", statusLine)
	if report.Error != "" {
		log.Errorf("Overall Error: %s", report.Error)
	} else if execErr != nil {
		logExecutionErrorReason(log, execErr)
	}
	for key, result := range report.TaskResults {
		if result.Status == "failed" || result.Status == "unreachable" {
			log.Errorf("  - %s: %s (%s)", key, result.Error, result.Status)
		}
	}
}

func logExecutionErrorReason(log fflog.Logger, execErr error) {
	switch {
	case errors.Is(execErr, context.Canceled):
		log.Warnf("Execution Reason: Cancelled.")
	case errors.Is(execErr, context.DeadlineExceeded):
		log.Errorf("Execution Reason: Timeout.")
	default:
		log.Errorf("Execution Error: %v", execErr)
	}
}

func determineExitCode(report *v1.ExecutionReport, execErr error, sig os.Signal) int {
	if execErr == nil && report != nil && report.OverallStatus == "succeeded" {
		return ExitSuccess
	}
	if sig != nil && errors.Is(execErr, context.Canceled) {
		switch sig {
		case syscall.SIGINT:
			return ExitSigInt
		case syscall.SIGTERM:
			return ExitSigTerm
		}
	}
	return ExitFailure
}
