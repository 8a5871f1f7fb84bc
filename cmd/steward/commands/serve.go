package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/engine"
	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/permission"
	"github.com/steward-ai/steward/internal/plan"
	"github.com/steward-ai/steward/internal/server"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/snapshot"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/internal/todo"
)

var (
	servePort      int
	serveDir       string
	serveEngineCmd string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the steward coordinator server",
	Long: `Start steward as a server that drives the agent-query engine and
exposes sessions, the event feed and the permission/plan reply
endpoints over HTTP.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().StringVar(&serveEngineCmd, "engine", "agent-engine", "Engine CLI command")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{Level: level, Pretty: prettyLog})
	logging.Info().Str("version", Version).Str("directory", workDir).Msg("starting steward")

	watcher, err := config.NewWatcher(workDir, cfg)
	if err != nil {
		return err
	}
	watcher.Start()
	defer watcher.Stop()

	store := storage.New(cfg.DataDir)
	sessions := session.NewService(store)
	perms := permission.NewService(store, sessions)
	plans := plan.NewService()
	todos := todo.NewStore(store)
	tracker := snapshot.NewFileTracker(workDir, store)

	eng := engine.NewLocalEngine(serveEngineCmd)
	converter := session.NewConverter(sessions, todos, tracker, nil)
	rules := func() permission.Ruleset { return watcher.Current().Ruleset() }
	gate := session.NewGate(perms, plans, rules)
	runner := session.NewRunner(sessions, eng, converter, gate, perms, plans, rules)

	serverCfg := server.DefaultConfig()
	serverCfg.Directory = workDir
	if cfg.Server.Port != 0 {
		serverCfg.Port = cfg.Server.Port
	}
	if servePort != 0 {
		serverCfg.Port = servePort
	}
	srv := server.New(serverCfg, sessions, runner, perms, plans, todos)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", serverCfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
