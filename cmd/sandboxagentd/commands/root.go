// Package commands provides the sandboxagent daemon's CLI: a single cobra
// command, since sandboxagentd only ever does one thing: serve.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/sandboxagent/internal/config"
	"github.com/rivet-dev/sandboxagent/internal/httpapi"
	"github.com/rivet-dev/sandboxagent/internal/logging"
	"github.com/rivet-dev/sandboxagent/internal/opencode"
	"github.com/rivet-dev/sandboxagent/internal/sandbox"
	"github.com/rivet-dev/sandboxagent/internal/session"
	"github.com/rivet-dev/sandboxagent/internal/storage"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs  bool
	logLevel   string
	logFile    bool
	showConfig bool

	servePort  int
	serveHost  string
	serveDir   string
	serveToken string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxagentd",
	Short: "sandboxagent daemon - a uniform HTTP API over AI coding agent backends",
	Long: `sandboxagentd is a local-host HTTP daemon exposing a uniform Universal
Event API, plus an OpenCode-HTTP-compatible surface, over heterogeneous AI
coding agent backends (Claude CLI, Codex, OpenCode, Amp, or an in-process
mock).`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("sandboxagentd started with file logging")
		}

		if showConfig {
			dir, err := os.Getwd()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error getting working directory: %v\n", err)
				os.Exit(1)
			}
			cfg, err := config.Load(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
				os.Exit(1)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error marshaling config: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
			os.Exit(0)
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to a timestamped file in /tmp")
	rootCmd.PersistentFlags().BoolVar(&showConfig, "show-config", false, "Print merged configuration as JSON and exit")

	rootCmd.Flags().IntVarP(&servePort, "port", "p", 4096, "Port to listen on")
	rootCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to listen on")
	rootCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory (project config root)")
	rootCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required on every request except /v1/health")

	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxagentd %s (%s)\n", Version, BuildTime))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting sandboxagentd")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cmd.Flags().Changed("port") {
		appConfig.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		appConfig.Host = serveHost
	}
	if cmd.Flags().Changed("token") {
		appConfig.BearerToken = serveToken
	}

	persist, err := storage.OpenSQLite(appConfig.OpenCode.DBPath)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to open sqlite persistence, continuing in-memory only")
		persist = nil
	}

	store := session.NewStore()
	sm := sandbox.NewManager(store)
	sm.SetPersistence(persist)

	adapter := opencode.NewAdapter(sm, appConfig.OpenCode.RestoreK, appConfig.OpenCode.RestoreL)
	adapter.SetPersistence(persist)

	srvCfg := httpapi.DefaultConfig()
	srvCfg.Host = appConfig.Host
	srvCfg.Port = appConfig.Port
	srvCfg.BearerToken = appConfig.BearerToken
	srvCfg.AllowedOrigins = appConfig.CORSOrigins
	srvCfg.RequestTimeout = appConfig.RequestTimeout()
	srvCfg.CloseGrace = appConfig.CloseGrace()
	srvCfg.EnableInspector = appConfig.InspectorUI

	srv := httpapi.New(srvCfg, sm, adapter)

	go func() {
		logging.Info().
			Str("host", appConfig.Host).
			Int("port", appConfig.Port).
			Str("url", fmt.Sprintf("http://%s:%d", appConfig.Host, appConfig.Port)).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	sm.Shutdown(shutdownCtx)
	if err := persist.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing sqlite persistence")
	}

	logging.Info().Msg("server stopped")
	return nil
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
