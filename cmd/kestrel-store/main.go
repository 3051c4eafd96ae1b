package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/store"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "kestrel-store",
	Short: "Kestrel session store",
	Long:  `Kestrel Store - system of record for recording sessions, detections and uploaded frames`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store HTTP service",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Kestrel Store v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() {
	logging.Init(os.Getenv("STORE_LOG_FORMAT"), os.Getenv("STORE_LOG_LEVEL"), os.Stdout)

	cfg, err := store.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create storage path: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create db directory: %v\n", err)
		os.Exit(1)
	}

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	archiver, err := store.NewArchiver(db, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure archiver: %v\n", err)
		os.Exit(1)
	}

	srv := store.NewServer(cfg, db, archiver)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
	if archiver != nil {
		archiver.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Close(ctx)
	if archiver != nil {
		archiver.Stop(ctx)
	}
}
