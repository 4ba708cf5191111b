// ABOUTME: Entry point for fieldtrack, the live agent location tracking service
// ABOUTME: Dispatches serve, init, login, token, health and agents subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fieldtrack/internal/config"
	"github.com/2389/fieldtrack/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   __ _      _     _ _                  _
  / _(_) ___| | __| | |_ _ __ __ _  ___| | __
 | |_| |/ _ \ |/ _' | __| '__/ _' |/ __| |/ /
 |  _| |  __/ | (_| | |_| | | (_| | (__|   <
 |_| |_|\___|_|\__,_|\__|_|  \__,_|\___|_|\_\
`

// getConfigPath returns the path to the config file.
// Priority: FIELDTRACK_CONFIG env var > XDG_CONFIG_HOME/fieldtrack/config.yaml > ~/.config/fieldtrack/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FIELDTRACK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fieldtrack", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fieldtrack <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start tracking and the consumer API")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  login                  Log in upstream and store the token pair")
		fmt.Println("  token [--ttl 720h]     Mint a consumer API token from auth.jwt_secret")
		fmt.Println("  health                 Check service health")
		fmt.Println("  agents                 List tracked agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "login":
		err = runLogin(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Feed:      %s\n", cfg.Upstream.FeedURL)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Window:    %d fixes\n", cfg.Tracking.WindowSize)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("API auth disabled (no auth.jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting fieldtrack",
		"config", configPath,
		"feed_url", cfg.Upstream.FeedURL,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := gw.Run(ctx); err != nil {
		return err
	}
	if err := gw.Session().Err(); err != nil {
		return fmt.Errorf("%w (run `fieldtrack login`)", err)
	}
	return nil
}
