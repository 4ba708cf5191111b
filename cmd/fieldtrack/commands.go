// ABOUTME: Client-side subcommands that talk to a running fieldtrack or the upstream
// ABOUTME: health, agents, login and token

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/config"
	"github.com/2389/fieldtrack/internal/tracking"
)

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	// The API is protected when a secret is configured; sign a short-lived token with it.
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return err
		}
		token, err := verifier.Generate("fieldtrack-cli", time.Minute)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}

	var view tracking.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printAgents(view)
	return nil
}

func printAgents(view tracking.View) {
	if len(view.Agents) == 0 {
		fmt.Println("No agents tracked")
		return
	}

	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)

	fmt.Printf("%d agents (snapshot v%d)\n\n", len(view.Agents), view.Version)
	for _, a := range view.Agents {
		name := a.FullName
		if name == "" {
			name = a.ID
		}
		fmt.Printf("  %-24s %8.2f km  %4d stops", name, a.DistanceKm, len(a.StopPoints))
		switch {
		case a.AlertActive:
			red.Print("  STATIONARY")
		case a.Stale:
			gray.Print("  stale")
		}
		fmt.Println()
	}
}

// runLogin performs a password login upstream and writes the token pair to
// credentials.token_file so serve can start from a valid refresh token.
func runLogin(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Credentials.TokenFile == "" {
		return errors.New("credentials.token_file is not set")
	}
	if cfg.Upstream.LoginURL == "" {
		return errors.New("upstream.login_url is not set")
	}

	login := &auth.PasswordLogin{
		URL:         cfg.Upstream.LoginURL,
		PhoneNumber: cfg.Credentials.PhoneNumber,
		Password:    cfg.Credentials.Password,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
	creds, err := login.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if err := auth.NewFileCredentialStore(cfg.Credentials.TokenFile).Save(creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	fmt.Printf("Logged in. Tokens written to %s\n", cfg.Credentials.TokenFile)
	if exp, ok := auth.TokenExpiry(creds.Access); ok {
		fmt.Printf("Access token expires %s\n", exp.Local().Format(time.RFC1123))
	}
	return nil
}

// runToken mints a consumer API token signed with auth.jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "dispatcher", "token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; the API is unauthenticated")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Println(token)
	return nil
}
