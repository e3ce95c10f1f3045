package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/joho/godotenv"

	"github.com/chatkeeper/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // Settings that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig reports which secrets the loaded configuration carries
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	for _, p := range cfg.Providers {
		key := "providers." + p.Name + ".api_key"
		switch {
		case p.APIKey != "":
			result.Present[key] = maskSecret(p.APIKey)
		case p.Kind != "ollama":
			result.Missing = append(result.Missing, key)
		}
	}

	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DSN == "" {
			result.Missing = append(result.Missing, "store.dsn")
		} else {
			result.Present["store.dsn"] = maskSecret(cfg.Store.DSN)
		}
	case "redis":
		if cfg.Store.RedisURL == "" {
			result.Missing = append(result.Missing, "store.redis_url")
		} else {
			result.Present["store.redis_url"] = maskSecret(cfg.Store.RedisURL)
		}
	case "memory":
		result.Warnings = append(result.Warnings, "memory store selected: conversations are lost on exit")
	}

	if cfg.Server.JWTSecret == "" {
		result.Warnings = append(result.Warnings, "server.jwt_secret is empty: the API trusts the X-Account-ID header")
	} else {
		result.Present["server.jwt_secret"] = maskSecret(cfg.Server.JWTSecret)
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured settings:")
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
// A missing file is not an error.
func LoadEnvFile(filename string) error {
	if err := godotenv.Overload(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return nil
}
