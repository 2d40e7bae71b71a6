// Command acp-proxy bridges an ACP editor to containerized agent processes.
// It speaks newline-delimited JSON-RPC on stdin/stdout, spawns one agent per
// session, and multiplexes every session over the single editor stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containai/acp-proxy/pkg/config"
	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/proxy"
)

func main() {
	agentCmd := flag.String("agent", "", "Agent binary to spawn per session (overrides config)")
	wrapped := flag.Bool("wrapped", false, "Launch the agent through a PATH-checking shell wrapper")
	workspace := flag.String("workspace", "", "Host workspace root for path translation (default: session cwd)")
	containerRoot := flag.String("container-root", "", "Workspace root inside the container (overrides config)")
	configPath := flag.String("config", "", "Config file path (default ~/.containai/config.yaml)")
	logFile := flag.String("log", "", "Log file path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*agentCmd, *wrapped, *workspace, *containerRoot, *configPath, *logFile, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "acp-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(agentCmd string, wrapped bool, workspace, containerRoot, configPath, logFile string, debug bool) error {
	if configPath == "" {
		var err error
		configPath, err = config.GetDefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Log == nil {
		cfg.Log = config.DefaultLogConfig()
	}

	// Flags beat both the file and the environment.
	if agentCmd != "" {
		cfg.Agent.Command = agentCmd
	}
	if wrapped {
		cfg.Agent.Wrapped = true
	}
	if workspace != "" {
		cfg.Workspace.HostRoot = workspace
	}
	if containerRoot != "" {
		cfg.Workspace.ContainerRoot = containerRoot
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	log, err := cfg.Log.CreateLogger()
	if err != nil {
		// Fall back to stderr-only logging rather than refusing to serve.
		log = logger.NewDefaultLogger()
		if debug {
			log.SetLevel(logger.DEBUG)
		}
		log.Warn("log file unavailable: %v", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := proxy.NewOutputWriter(os.Stdout, log)
	router := proxy.NewRouter(proxy.Options{
		AgentCommand:     cfg.Agent.Command,
		Wrapped:          cfg.Agent.Wrapped,
		HostRoot:         cfg.Workspace.HostRoot,
		ContainerRoot:    cfg.Workspace.ContainerRoot,
		HandshakeTimeout: time.Duration(cfg.Timeouts.HandshakeSeconds) * time.Second,
		SpawnTimeout:     time.Duration(cfg.Timeouts.SpawnSeconds) * time.Second,
		Log:              log,
	}, out)

	log.Info("acp-proxy %s starting: agent=%q wrapped=%v", proxy.ServerVersion, cfg.Agent.Command, cfg.Agent.Wrapped)
	return router.Run(ctx, os.Stdin)
}
