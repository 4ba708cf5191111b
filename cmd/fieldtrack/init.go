// ABOUTME: Interactive config file generation for fieldtrack init
// ABOUTME: Prompts for upstream endpoints, credentials and tracking settings

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/fieldtrack/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fieldtrack configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Upstream Feed ---")
	feedURL := prompt(reader, "Feed websocket URL", "wss://tracking.example.com/ws/agents/")
	refreshURL := prompt(reader, "Token refresh URL", "https://tracking.example.com/api/token/refresh/")
	loginURL := prompt(reader, "Login URL (leave empty to disable re-login)", "")

	fmt.Println("\n--- Credentials ---")
	tokenFile := prompt(reader, "Token file", filepath.Join(filepath.Dir(outputFile), "tokens.json"))
	var phone, password string
	if loginURL != "" {
		phone = prompt(reader, "Phone number", "")
		password = prompt(reader, "Password (stored in plain text, or use ${ENV_VAR})", "${FIELDTRACK_PASSWORD}")
	}

	fmt.Println("\n--- Tracking ---")
	windowSize := prompt(reader, "Stationarity window (fixes)", fmt.Sprintf("%d", config.DefaultWindowSize))
	staleAfter := prompt(reader, "Mark agents stale after (0 disables)", "10m")

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	protect := prompt(reader, "Require a token for the API?", "yes")
	var secret string
	if isYes(protect) {
		var err error
		if secret, err = randomSecret(); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# fieldtrack configuration\n")
	cfg.WriteString("# Generated by fieldtrack init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("upstream:\n")
	cfg.WriteString(fmt.Sprintf("  feed_url: %q\n", feedURL))
	cfg.WriteString(fmt.Sprintf("  refresh_url: %q\n", refreshURL))
	if loginURL != "" {
		cfg.WriteString(fmt.Sprintf("  login_url: %q\n", loginURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("credentials:\n")
	cfg.WriteString(fmt.Sprintf("  token_file: %q\n", tokenFile))
	if phone != "" {
		cfg.WriteString(fmt.Sprintf("  phone_number: %q\n", phone))
	}
	if password != "" {
		cfg.WriteString(fmt.Sprintf("  password: %q\n", password))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tracking:\n")
	cfg.WriteString(fmt.Sprintf("  window_size: %s\n", windowSize))
	cfg.WriteString(fmt.Sprintf("  stale_after: %q\n\n", staleAfter))

	if secret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", secret))
	}

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	// Catch typos before writing anything.
	if _, err := config.Parse(cfg.String(), config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if loginURL != "" {
		fmt.Println("Run `fieldtrack login` to fetch the first token pair.")
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// EOF keeps the default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
