package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"

	"fsbot/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your fsbot installation",
		Long: `Verifies that fsbot's configuration, whitelist, providers, and
database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("fsbot Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'fsbot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Whitelist resource exists and parses
			roots, err := checkWhitelist(cfg.Whitelist.Path)
			switch {
			case err != nil:
				printFail("Whitelist", err.Error())
				failed++
			case len(roots) == 0:
				printWarn("Whitelist", "empty: every path is denied until roots are added")
				warned++
			default:
				printPass("Whitelist", fmt.Sprintf("%d root(s)", len(roots)))
				passed++
			}

			// 4. Each whitelist root exists and is a directory
			for _, root := range roots {
				info, err := os.Stat(root)
				if err != nil {
					printWarn("Root: "+root, "does not exist")
					warned++
				} else if !info.IsDir() {
					printFail("Root: "+root, "not a directory")
					failed++
				} else {
					printPass("Root: "+root, "ok")
					passed++
				}
			}

			// 5. Database writable
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.DBPath)
				passed++
			}

			// 6. Providers
			providerCount := 0
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				providerCount++
				if p.Type == "openai" && p.APIKey == "" {
					printWarn("Provider: "+name, "enabled but no API key configured")
					warned++
				} else {
					printPass("Provider: "+name, p.Type)
					passed++
				}
			}
			if providerCount == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			}

			// 7. Gateway settings
			if cfg.Gateway.Telegram.Enabled {
				if cfg.Gateway.Telegram.Token == "" {
					printFail("Telegram", "enabled but no token configured")
					failed++
				} else {
					printPass("Telegram", "token configured")
					passed++
				}
				if !cfg.Gateway.Pairing.Required && len(cfg.Gateway.Telegram.AllowFrom) == 0 {
					printWarn("Telegram", "no pairing and no allowFrom list: anyone can talk to the bot")
					warned++
				}
			}
			if cfg.Gateway.HealthAddr != "" {
				if err := checkAddr(cfg.Gateway.HealthAddr); err != nil {
					printWarn("Health addr", fmt.Sprintf("%s may be in use: %v", cfg.Gateway.HealthAddr, err))
					warned++
				} else {
					printPass("Health addr", cfg.Gateway.HealthAddr+" available")
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running fsbot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nfsbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! fsbot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkWhitelist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s (run 'fsbot init')", path)
	}
	var wl struct {
		AllowedRoots []string `yaml:"allowed_roots"`
	}
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("not valid YAML: %v", err)
	}
	out := make([]string, 0, len(wl.AllowedRoots))
	for _, r := range wl.AllowedRoots {
		out = append(out, config.ExpandPath(r))
	}
	return out, nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
