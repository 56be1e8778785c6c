package commands

import (
	"fmt"
	"strings"

	"github.com/benvon/voice-gateway/internal/config"
	"github.com/benvon/voice-gateway/internal/middleware"
	"github.com/spf13/cobra"
)

// NewCorsCmd creates the cors command. Without --env the policy is computed
// from the same environment the server would load.
func NewCorsCmd() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "cors",
		Short: "Show effective CORS policy",
		Long:  "Print the cross-origin policy the gateway enforces for a deployment mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if cmd.Flags().Changed("env") {
				cfg = &config.Config{Environment: env}
			} else {
				loaded, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}

			policy := middleware.NewCORSPolicy(cfg)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Environment: %s\n", cfg.Environment)
			if policy.Disabled {
				_, _ = fmt.Fprintln(out, "CORS: disabled (no cross-origin access)")
				return nil
			}
			_, _ = fmt.Fprintln(out, "CORS: enabled")
			_, _ = fmt.Fprintf(out, "  Allowed origins: %s\n", strings.Join(policy.AllowedOrigins, ", "))
			_, _ = fmt.Fprintf(out, "  Allow credentials: %v\n", policy.AllowCredentials)
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "Deployment mode to evaluate instead of APP_ENV/NODE_ENV")

	return cmd
}
