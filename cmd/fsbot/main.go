package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fsbot/internal/agent"
	"fsbot/internal/bus"
	"fsbot/internal/channel"
	"fsbot/internal/config"
	"fsbot/internal/domain"
	"fsbot/internal/provider"
	"fsbot/internal/security"
	"fsbot/internal/store"
	"fsbot/internal/tool"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	verbose    bool
)

const whitelistTemplate = `# fsbot whitelist: the directories the agent is allowed to touch.
# Every path outside these roots is denied, for reading and writing alike.
# Paths must be absolute; ~/ is expanded. Edits take effect without restart.
allowed_roots: []
#  - ~/Documents/sandbox
#  - /srv/shared/inbox
`

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "fsbot",
		Short: "fsbot: whitelist-guarded filesystem agent",
		Long:  "fsbot is an LLM-driven file organizer. It can only touch directories you whitelist, and every destructive change is staged for your explicit confirmation.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.fsbot/config.json)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(whitelistCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// setupLogger rebuilds the global logger from the loaded config. --verbose
// always wins over the configured level.
func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config and an empty whitelist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}

			if _, err := os.Stat(cfgPath); err == nil {
				logger.Info("config already exists, leaving it alone", "path", cfgPath)
			} else {
				if err := config.Save(cfgPath, config.Defaults()); err != nil {
					return err
				}
				logger.Info("config created", "path", cfgPath)
			}

			wlPath := config.DefaultWhitelistPath()
			if _, err := os.Stat(wlPath); err == nil {
				logger.Info("whitelist already exists, leaving it alone", "path", wlPath)
			} else {
				if err := os.WriteFile(wlPath, []byte(whitelistTemplate), 0o644); err != nil {
					return err
				}
				logger.Info("whitelist created", "path", wlPath)
			}

			fmt.Println("fsbot initialized.")
			fmt.Printf("  config:    %s\n", cfgPath)
			fmt.Printf("  whitelist: %s\n", wlPath)
			fmt.Println("\nThe whitelist is empty, so every path is denied. Add roots with:")
			fmt.Println("  fsbot whitelist add <absolute-path>")
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	var query string
	var providerName string
	var noStream bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive console session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			sessionID := agent.NewSessionID()

			if providerName != "" {
				if _, err := rt.factory.Get(providerName); err != nil {
					return fmt.Errorf("provider %q: %w", providerName, err)
				}
				rt.loop.Sessions().Get(sessionID).Provider = providerName
			}

			// One-shot mode: a single turn, print, exit. Staged actions cannot
			// be confirmed without a REPL, so they are dropped on exit.
			if query != "" {
				defer rt.loop.AbandonSession(sessionID)
				reply, err := rt.loop.ProcessDirect(ctx, sessionID, query)
				if err != nil {
					return err
				}
				fmt.Println(reply)
				return nil
			}

			cli := channel.NewCLI(channel.CLIConfig{
				Agent:     rt.loop,
				SessionID: sessionID,
				Logger:    logger,
				NoStream:  noStream,
			})
			return cli.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "run a single query and exit")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider to use (overrides general.defaultProvider)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print whole replies instead of streaming tokens")
	return cmd
}

func gatewayCmd() *cobra.Command {
	var pairUser string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (Telegram + agent loop)",
		Long:  "Starts the Telegram channel and the agent loop. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogger(cfg)

			if pairUser != "" {
				return mintPairingCode(cfg, pairUser)
			}
			return runGateway(cfg)
		},
	}

	cmd.Flags().StringVar(&pairUser, "pair", "", "mint a pairing code for a Telegram user id and exit")
	return cmd
}

// mintPairingCode generates and prints a one-time code the given Telegram
// user can redeem with /pair.
func mintPairingCode(cfg *config.Config, userID string) error {
	st, err := store.New(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	pairing := security.NewPairingService(security.PairingServiceConfig{
		Required: true,
		TTLDays:  cfg.Gateway.Pairing.TTLDays,
		Store:    st,
		Logger:   logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := pairing.GenerateCode(ctx, "telegram", userID)
	if err != nil {
		return fmt.Errorf("generate pairing code: %w", err)
	}

	fmt.Printf("Pairing code for telegram user %s: %s\n", userID, code)
	fmt.Println("It expires in 10 minutes. Have the user send: /pair " + code)
	return nil
}

func runGateway(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	rt, err := buildRuntime(cfg, messageBus)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.provider.Healthy(ctx); err != nil {
		logger.Warn("default provider unhealthy at startup", "provider", rt.provider.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", rt.provider.Name())
	}

	go rt.loop.Run(ctx)

	var telegramCh *channel.Telegram
	if cfg.Gateway.Telegram.Enabled && cfg.Gateway.Telegram.Token != "" {
		pairing := security.NewPairingService(security.PairingServiceConfig{
			Required: cfg.Gateway.Pairing.Required,
			TTLDays:  cfg.Gateway.Pairing.TTLDays,
			Store:    rt.store,
			Logger:   logger,
		})
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Gateway.Telegram.Token,
			AllowFrom: cfg.Gateway.Telegram.AllowFrom,
			Pairing:   pairing,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	var health *channel.Health
	if cfg.Gateway.HealthAddr != "" {
		health = channel.NewHealth(channel.HealthConfig{
			Addr:     cfg.Gateway.HealthAddr,
			Sessions: rt.loop.Sessions(),
			Logger:   logger,
		})
		go func() {
			if err := health.Start(ctx); err != nil {
				logger.Error("health listener error", "err", err)
			}
		}()
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
		}
		if health != nil {
			health.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// appRuntime bundles the wired components shared by chat and gateway modes.
type appRuntime struct {
	store    *store.Store
	auth     *security.Authorizer
	tools    *tool.Registry
	filter   *agent.ToolFilter
	factory  *provider.Factory
	provider domain.Provider
	loop     *agent.Loop
}

func (rt *appRuntime) Close() {
	if rt.store != nil {
		rt.store.Close()
	}
}

func buildRuntime(cfg *config.Config, messageBus domain.MessageBus) (*appRuntime, error) {
	st, err := store.New(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	var audit domain.AuditLogger
	if cfg.Store.AuditLog {
		audit = st
	}

	auth := security.NewAuthorizer(cfg.Whitelist.Path, audit, logger)

	rt := &appRuntime{
		store:   st,
		auth:    auth,
		tools:   registerTools(cfg, auth, audit),
		filter:  agent.NewToolFilter(cfg.Tools.Allowed, cfg.Tools.Denied),
		factory: provider.NewFactory(cfg, logger),
	}

	prov, err := rt.factory.DefaultProvider()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("default provider: %w", err)
	}
	rt.provider = prov
	rt.loop = rt.buildLoop(cfg, prov, messageBus)
	return rt, nil
}

// buildLoop assembles the agent loop around the default provider, reusing the
// runtime's already-wired store, authorizer, tools and filter.
func (rt *appRuntime) buildLoop(cfg *config.Config, prov domain.Provider, messageBus domain.MessageBus) *agent.Loop {
	rt.provider = prov

	prompt := agent.NewPromptBuilder(agent.PromptConfig{
		Authorizer:        rt.auth,
		Tools:             rt.tools,
		Logger:            logger,
		SystemPromptExtra: cfg.Agent.SystemPromptExtra,
	})

	rate := 0.0
	if pc, ok := cfg.Providers[cfg.General.DefaultProvider]; ok {
		rate = float64(pc.RateLimitPerMin)
	}

	return agent.NewLoop(agent.LoopConfig{
		Provider:      prov,
		Providers:     rt.factory,
		Sessions:      agent.NewSessionManager(logger),
		Prompt:        prompt,
		Tools:         rt.tools,
		Filter:        rt.filter,
		Authorizer:    rt.auth,
		Bus:           messageBus,
		History:       rt.store,
		Logger:        logger,
		MaxIterations: cfg.Agent.MaxIterations,
		RatePerMinute: rate,
	})
}

// registerTools creates the tool registry: three staged mutations, three
// read-only inspections.
func registerTools(cfg *config.Config, auth domain.Authorizer, audit domain.AuditLogger) *tool.Registry {
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewCreateDirectoryTool(auth, audit, logger))
	reg.Register(tool.NewMoveFileTool(auth, audit, logger))
	reg.Register(tool.NewRenameFileTool(auth, audit, logger))
	reg.Register(tool.NewListDirectoryTool(auth))
	reg.Register(tool.NewReadFileTool(auth, cfg.Agent.MaxFileChars))
	reg.Register(tool.NewFileMetadataTool(auth))
	return reg
}

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Inspect and edit the path whitelist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective whitelist roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth := security.NewAuthorizer(cfg.Whitelist.Path, nil, logger)
			roots := auth.Roots()
			if len(roots) == 0 {
				fmt.Println("The whitelist is empty: every filesystem path is denied.")
				fmt.Printf("Resource: %s\n", cfg.Whitelist.Path)
				return nil
			}
			fmt.Printf("Whitelist (%s):\n", cfg.Whitelist.Path)
			for _, r := range roots {
				fmt.Printf("  - %s\n", r)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Check whether a path would be authorized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth := security.NewAuthorizer(cfg.Whitelist.Path, nil, logger)
			d := auth.Authorize(args[0])
			if d.Allowed {
				fmt.Printf("ALLOWED: %s\n", d.Canonical)
				return nil
			}
			fmt.Printf("DENIED:  %s\n", args[0])
			fmt.Println(d.Reason)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [path]",
		Short: "Add a root directory to the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return addWhitelistRoot(cfg.Whitelist.Path, args[0])
		},
	})

	return cmd
}

// addWhitelistRoot appends a root to the YAML whitelist resource, creating
// the file when missing. Duplicates are rejected before writing.
func addWhitelistRoot(resourcePath, root string) error {
	var wl struct {
		AllowedRoots []string `yaml:"allowed_roots"`
	}

	if data, err := os.ReadFile(resourcePath); err == nil {
		if err := yaml.Unmarshal(data, &wl); err != nil {
			return fmt.Errorf("whitelist resource %s is not valid YAML: %w", resourcePath, err)
		}
	}

	for _, existing := range wl.AllowedRoots {
		if existing == root {
			fmt.Printf("Already whitelisted: %s\n", root)
			return nil
		}
	}
	wl.AllowedRoots = append(wl.AllowedRoots, root)

	out, err := yaml.Marshal(&wl)
	if err != nil {
		return err
	}
	if err := os.WriteFile(resourcePath, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("Added to whitelist: %s\n", root)
	return nil
}

func statusCmd() *cobra.Command {
	var auditN int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status and recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			fmt.Printf("fsbot v%s\n", version)
			fmt.Printf("  config:    %s\n", cfgPath)
			fmt.Printf("  whitelist: %s\n", cfg.Whitelist.Path)

			auth := security.NewAuthorizer(cfg.Whitelist.Path, nil, logger)
			fmt.Printf("  roots:     %d\n", len(auth.Roots()))

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			factory := provider.NewFactory(cfg, logger)
			if prov := factory.HealthyProvider(ctx); prov != nil {
				fmt.Printf("  provider:  %s (healthy)\n", prov.Name())
			} else {
				fmt.Println("  provider:  none healthy")
			}

			st, err := store.New(cfg.Store.DBPath, logger)
			if err != nil {
				fmt.Printf("  store:     unavailable (%v)\n", err)
				return nil
			}
			defer st.Close()
			fmt.Printf("  store:     %s\n", cfg.Store.DBPath)

			records, err := st.RecentAudit(ctx, auditN)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("\nNo audit entries yet.")
				return nil
			}
			fmt.Printf("\nRecent audit entries (%d):\n", len(records))
			for _, r := range records {
				line := fmt.Sprintf("  %s  %-10s %-8s %s",
					r.Time.Format("2006-01-02 15:04:05"), r.Action, r.Result, r.Path)
				if r.Tool != "" {
					line += "  [" + r.Tool + "]"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&auditN, "audit", "n", 20, "number of audit entries to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the full configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. agent.maxIterations 20)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fsbot v%s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
