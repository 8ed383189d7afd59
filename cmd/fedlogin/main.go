package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/fedlogin/internal"
	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/urlutil"
)

var BuildVersion = "dev"

const defaultBaseURL = "https://login.yourcompany.com"

func generateDefaultConfig(path string) error {
	redirectURI, err := urlutil.JoinPath(defaultBaseURL, "auth", "callback")
	if err != nil {
		return fmt.Errorf("failed to build redirect uri: %w", err)
	}

	defaultConfig := map[string]any{
		"version": config.VersionPrefix,
		"server": map[string]any{
			"addr":    ":8080",
			"baseURL": defaultBaseURL,
			"csrfKey": map[string]string{"$env": "CSRF_KEY"},
		},
		"provider": map[string]any{
			"type":           "google",
			"clientId":       map[string]string{"$env": "GOOGLE_CLIENT_ID"},
			"clientSecret":   map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
			"redirectUri":    redirectURI,
			"identitySource": string(config.IdentitySourceIDToken),
		},
		"login": map[string]any{
			"pendingTtl":           "5m",
			"sessionTtl":           "24h",
			"requireVerifiedEmail": true,
			"allowedDomains":       []string{"yourcompany.com"},
			"cleanupInterval":      "10m",
		},
		"storage": map[string]any{
			"kind": string(config.StorageKindMemory),
		},
		"firebase": map[string]any{
			"enabled": false,
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
	case len(result.Errors) == 0:
		fmt.Println("Result: PASS (with warnings)")
	default:
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("validation failed: %d error(s)", len(result.Errors))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	logLevel := flag.String("log-level", "", "log level (error, warn, info, debug, trace); overrides LOG_LEVEL")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *logLevel != "" {
		if err := log.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting fedlogin", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewFedLogin(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create login service: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
