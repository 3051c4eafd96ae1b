package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-video/agent/internal/agent"
	"github.com/kestrel-video/agent/internal/audit"
	"github.com/kestrel-video/agent/internal/config"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/supervisor"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "kestrel-agent",
	Short: "Kestrel edge video agent",
	Long:  `Kestrel Agent - edge video analytics: frame capture, AI detection feed and recording session lifecycle`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture and detection pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var manageCmd = &cobra.Command{
	Use:   "manage",
	Short: "Run the supervisor and its operator API",
	Run: func(cmd *cobra.Command, args []string) {
		runManager()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Kestrel Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/kestrel/agent.toml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(manageCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		out = rw
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg
}

func runAgent() {
	cfg := loadConfig()

	a, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Agent exited: %v\n", err)
		os.Exit(1)
	}
}

func runManager() {
	cfg := loadConfig()

	auditLog, err := audit.NewLogger(cfg.Manager.DataDir, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	mgr, err := supervisor.New(supervisor.Config{
		ChildCommand:    cfg.ChildCommand,
		ChildArgs:       cfg.ChildArgs,
		ChildStatusPort: cfg.ChildStatusPort,
		StopTimeout:     time.Duration(cfg.Manager.StopTimeoutMs) * time.Millisecond,
		PollInterval:    time.Duration(cfg.Manager.PollIntervalMs) * time.Millisecond,
		DataDir:         cfg.Manager.DataDir,
		CatalogPath:     cfg.Manager.CatalogPath,
		DefaultClasses:  cfg.ClassesFilter,
	}, auditLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start supervisor: %v\n", err)
		os.Exit(1)
	}

	srv := supervisor.NewServer(cfg.StatusPort, mgr, auditLog)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start operator API: %v\n", err)
		os.Exit(1)
	}

	if cfg.Autostart {
		if err := mgr.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Autostart failed: %v\n", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Stop()
	srv.Close(ctx)
}
