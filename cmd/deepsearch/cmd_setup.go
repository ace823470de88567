package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("DeepSearch Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		cfg.Search.Provider = prompt(scanner, "Search provider (serper or brave)", cfg.Search.Provider)
		if cfg.Search.Provider == "brave" {
			cfg.Search.Brave.APIKey = prompt(scanner, "Brave API key", cfg.Search.Brave.APIKey)
		} else {
			cfg.Search.Serper.APIKey = prompt(scanner, "Serper API key", cfg.Search.Serper.APIKey)
		}

		limit := prompt(scanner, "Daily requests per user", strconv.Itoa(cfg.Quota.DailyLimit))
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			cfg.Quota.DailyLimit = n
		}

		if cfg.Auth.JWTSecret == "" {
			secret, err := randomSecret()
			if err != nil {
				return err
			}
			cfg.Auth.JWTSecret = secret
			fmt.Println("Generated a new JWT signing secret.")
		}
		admins := prompt(scanner, "Admin user IDs (comma separated)", strings.Join(cfg.Auth.Admins, ","))
		cfg.Auth.Admins = splitList(admins)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its default and returns the trimmed input, or the
// default when the input is empty.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
