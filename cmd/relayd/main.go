// ABOUTME: Entry point for relayd, the host side of coven-relay
// ABOUTME: Serves relay services over gRPC and the message bus, plus health and metrics over HTTP

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                            _
  ___ _____   _____ _ __       _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ ____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|    |_|  \___|_|\__,_|\__, |
                                                |___/
`

// getConfigPath returns the path to the relay config file, falling back to
// the default location when none exists yet.
func getConfigPath() string {
	if path, err := config.ResolvePath(); err == nil {
		return path
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.yaml")
}

// loadConfig loads the config file, or the defaults when there is none.
func loadConfig() (*config.Config, string, error) {
	path, err := config.ResolvePath()
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: relayd <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the relay daemon")
	fmt.Println("  init                               Write a config file with a fresh jwt_secret")
	fmt.Println("  token --sub NAME [--svc a,b] [--ttl 24h]   Mint a channel token")
	fmt.Println("  health                             Check daemon health")
	fmt.Println("  endpoints                          List live proxies and hosts")
}

func main() {
	if len(os.Args) < 2 {
		usage()
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "endpoints":
		err = runEndpoints(ctx)
	case "help", "-h", "--help":
		usage()
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
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.GRPCEnabled() {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.BusEnabled() {
		green.Print("    ▶ ")
		fmt.Printf("Bus:       %s", cfg.Transport.Bus.Backend)
		if cfg.Transport.Bus.Backend == config.BusRedis {
			gray.Printf(" (%s, group %s)", cfg.Transport.Bus.Redis.Addr, cfg.Transport.Bus.Redis.Group)
		}
		fmt.Println()
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}
	if cfg.Relay.StrictTickets {
		yellow.Print("    ! ")
		fmt.Println("Tickets:   strict (double completion panics)")
	}
	fmt.Println()

	logger.Info("starting relayd",
		"config", configPath,
		"transport", cfg.Transport.Kind,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runInit writes a config file with a random jwt_secret unless one exists.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	def := config.Default()
	configContent := fmt.Sprintf(`# coven-relay configuration
# Generated by relayd init

server:
  grpc_addr: "%s"
  http_addr: "%s"

transport:
  kind: "grpc"
  bus:
    backend: "memory"

auth:
  jwt_secret: "%s"
  token_ttl: "24h"

relay:
  handshake_timeout: "10s"
  call_timeout: "30s"
  tombstone_ttl: "5m"

services:
  ims:
    enabled: true
  pairing:
    enabled: true

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, def.Server.GRPCAddr, def.Server.HTTPAddr, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("\nTo mint a token for a proxy:")
	fmt.Println("  relayd token --sub my-ui --svc ims")
	fmt.Println("\nTo start the server:")
	fmt.Println("  relayd serve")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject (proxy name)")
	svc := fs.String("svc", "", "comma-separated services the token grants (default: all)")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("--sub is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	var services []string
	for _, s := range strings.Split(*svc, ",") {
		if s = strings.TrimSpace(s); s != "" {
			services = append(services, s)
		}
	}

	token, err := verifier.Generate(*sub, services, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	body, err := getHTTP(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println(body)
	return nil
}

func runEndpoints(ctx context.Context) error {
	body, err := getHTTP(ctx, "/api/endpoints")
	if err != nil {
		return fmt.Errorf("listing endpoints: %w", err)
	}
	fmt.Println(body)
	return nil
}

// getHTTP fetches path from the configured HTTP address.
func getHTTP(ctx context.Context, path string) (string, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
