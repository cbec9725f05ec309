package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure random secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "sessionforge-hub.json"
			}
			return writeInitialConfig(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./sessionforge-hub.json)")
	return cmd
}

func writeInitialConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	jwtSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	keyPepper, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate key pepper: %w", err)
	}
	adminPassword, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate admin password: %w", err)
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: jwtSecret,
			KeyPepper: keyPepper,
			InitialAdmin: &config.InitialAdmin{
				Username: "admin",
				Password: adminPassword,
			},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "sessionforge.db",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("initial admin credentials: admin / %s\n", adminPassword)
	fmt.Println("store the admin password now; it is not printed again")
	return nil
}
