package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/vmrunner/internal/buildinfo"
	"github.com/terrpan/vmrunner/internal/config"
	"github.com/terrpan/vmrunner/internal/health"
	"github.com/terrpan/vmrunner/internal/otel"
	"github.com/terrpan/vmrunner/internal/runner"
	"github.com/terrpan/vmrunner/internal/ssh"
	"github.com/terrpan/vmrunner/internal/supervisor"
)

var (
	cfgPath       string
	flagOverrides config.Config

	vmName    string
	vmAddress string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmrunner",
	Short: "Register single-use GitHub Actions runners on virtual machines over SSH",
	Long: `vmrunner connects to a freshly booted virtual machine over SSH, obtains a
runner registration token from GitHub, and starts an ephemeral runner that
powers the machine off after its one job.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Register a runner on one machine and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runConnect(ctx)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the configured machines registered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "vmrunner", buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub URL runners register against (default https://github.com)")
	f.StringVar(&flagOverrides.GitHub.APIURL, "api-url", "", "GitHub Enterprise Server API URL")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (alternative to GitHub App)")
	f.StringVar(&flagOverrides.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")
	f.StringVar(&flagOverrides.GitHub.Organization, "organization", "", "Organization for organization scope")
	f.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "Repository owner for repository scope")
	f.StringVar(&flagOverrides.GitHub.Repository, "repository", "", "Repository name for repository scope")

	// Runner overrides
	f.StringVar(&flagOverrides.Runner.Scope, "scope", "", "Runner scope (organization, repository)")
	f.StringSliceVar(&flagOverrides.Runner.Labels, "labels", nil, "Runner labels")
	f.StringVar(&flagOverrides.Runner.Group, "runner-group", "", "Runner group name")
	f.StringVar(&flagOverrides.Runner.Name, "runner-name", "", "Base runner name (default: machine name)")
	f.BoolVar(&flagOverrides.Runner.DisableUpdates, "disable-updates", false, "Disable runner self-update")
	f.BoolVar(&flagOverrides.Runner.DisableDefaultLabels, "no-default-labels", false, "Do not add the default runner labels")

	// SSH overrides
	f.StringVar(&flagOverrides.SSH.User, "ssh-user", "", "SSH user")
	f.StringVar(&flagOverrides.SSH.PrivateKeyPath, "ssh-key-path", "", "Path to SSH private key")
	f.StringVar(&flagOverrides.SSH.KnownHostsPath, "ssh-known-hosts", "", "Path to known_hosts file")
	f.BoolVar(&flagOverrides.SSH.InsecureIgnoreHostKey, "ssh-insecure-ignore-host-key", false, "Skip host key verification")
	f.StringVar(&flagOverrides.SSH.LaunchMode, "launch-mode", "", "How the runner is started (nohup, terminal)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	connectCmd.Flags().StringVar(&vmName, "vm-name", "", "Name of the machine (used for the runner name)")
	connectCmd.Flags().StringVar(&vmAddress, "address", "", "SSH address of the machine (host or host:port)")
	_ = connectCmd.MarkFlagRequired("vm-name")
	_ = connectCmd.MarkFlagRequired("address")

	serveCmd.Flags().StringVar(&flagOverrides.Serve.Listen, "listen", "", "Address for /healthz and /metrics (default :8080)")

	rootCmd.AddCommand(connectCmd, serveCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	override(&cfg.GitHub.URL, flagOverrides.GitHub.URL)
	override(&cfg.GitHub.APIURL, flagOverrides.GitHub.APIURL)
	override(&cfg.GitHub.Token, flagOverrides.GitHub.Token)
	override(&cfg.GitHub.App.ClientID, flagOverrides.GitHub.App.ClientID)
	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	override(&cfg.GitHub.App.PrivateKey, flagOverrides.GitHub.App.PrivateKey)
	override(&cfg.GitHub.App.PrivateKeyPath, flagOverrides.GitHub.App.PrivateKeyPath)
	override(&cfg.GitHub.Organization, flagOverrides.GitHub.Organization)
	override(&cfg.GitHub.Owner, flagOverrides.GitHub.Owner)
	override(&cfg.GitHub.Repository, flagOverrides.GitHub.Repository)

	override(&cfg.Runner.Scope, flagOverrides.Runner.Scope)
	if len(flagOverrides.Runner.Labels) > 0 {
		cfg.Runner.Labels = flagOverrides.Runner.Labels
	}
	override(&cfg.Runner.Group, flagOverrides.Runner.Group)
	override(&cfg.Runner.Name, flagOverrides.Runner.Name)
	if flagOverrides.Runner.DisableUpdates {
		cfg.Runner.DisableUpdates = true
	}
	if flagOverrides.Runner.DisableDefaultLabels {
		cfg.Runner.DisableDefaultLabels = true
	}

	override(&cfg.SSH.User, flagOverrides.SSH.User)
	override(&cfg.SSH.PrivateKeyPath, flagOverrides.SSH.PrivateKeyPath)
	override(&cfg.SSH.KnownHostsPath, flagOverrides.SSH.KnownHostsPath)
	if flagOverrides.SSH.InsecureIgnoreHostKey {
		cfg.SSH.InsecureIgnoreHostKey = true
	}
	override(&cfg.SSH.LaunchMode, flagOverrides.SSH.LaunchMode)

	override(&cfg.Logging.Level, flagOverrides.Logging.Level)
	override(&cfg.Logging.Format, flagOverrides.Logging.Format)

	override(&cfg.Serve.Listen, flagOverrides.Serve.Listen)
}

// loadConfig reads the config file and applies flag overrides.
// Validation is left to the caller.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)
	return cfg, nil
}

// newHandler builds the registration handler and its GitHub client.
func newHandler(cfg *config.Config, logger *slog.Logger) (*runner.Handler, error) {
	client, err := cfg.NewAPIClient(logger.WithGroup("github"))
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}
	base, err := cfg.BaseURL()
	if err != nil {
		return nil, err
	}
	return runner.New(runner.Config{
		BaseURL:     base,
		Options:     cfg.RunnerOptions(),
		Credentials: cfg,
		Client:      client,
		Logger:      logger.WithGroup("runner"),
	})
}

func runConnect(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	addr := cfg.TargetAddress(vmAddress)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("scope", cfg.Runner.Scope),
		slog.String("vm", vmName),
		slog.String("address", addr),
	)

	sdk, err := otel.Setup(ctx, cfg.OTelSDKConfig(false))
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx, sdk, logger)

	handler, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}
	sshCfg, err := cfg.NewSSHConfig()
	if err != nil {
		return err
	}

	conn, err := ssh.Dial(ctx, addr, sshCfg, logger.WithGroup("ssh"))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", vmName, err)
	}
	defer conn.Close()

	if err := handler.OnConnected(ctx, runner.VirtualMachine{Name: vmName}, conn); err != nil {
		return fmt.Errorf("registering runner on %s: %w", vmName, err)
	}
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("scope", cfg.Runner.Scope),
		slog.Int("targets", len(cfg.Targets)),
		slog.String("listen", cfg.Serve.Listen),
	)

	sdk, err := otel.Setup(ctx, cfg.OTelSDKConfig(true))
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx, sdk, logger)

	handler, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}
	sshCfg, err := cfg.NewSSHConfig()
	if err != nil {
		return err
	}
	sshLogger := logger.WithGroup("ssh")

	sup, err := supervisor.New(supervisor.Config{
		Targets: cfg.SupervisorTargets(),
		Dialer: supervisor.DialerFunc(func(ctx context.Context, t supervisor.Target) (supervisor.Session, error) {
			conn, err := ssh.Dial(ctx, t.Address, sshCfg, sshLogger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
		Handler:       handler,
		Logger:        logger.WithGroup("supervisor"),
		RetryInterval: cfg.Serve.RetryInterval,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(cfg.Runner.Scope, sup.Status))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("watching targets")
		return sup.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}

func shutdownTelemetry(ctx context.Context, sdk *otel.SDK, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sdk.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down telemetry", slog.String("error", err.Error()))
	}
}
