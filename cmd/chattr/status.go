package main

import (
	"context"
	"fmt"
	"time"

	chattr "github.com/BalaSubramaniam12007/Chattr"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the stored configuration and, when logged in, check backend reachability and fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, chattr.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  (not logged in)")
			return nil
		}
		fmt.Printf("  Username: %s\n", cfg.Auth.Username)
		fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		fmt.Printf("  Email:    %s\n", cfg.Auth.Email)
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))

		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Backend: UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend: HEALTHY")

		profile, err := client.GetProfile(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Profile: %s", profile.Username)
		if profile.Bio != "" {
			fmt.Printf(" - %s", profile.Bio)
		}
		fmt.Println()
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
