package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benvon/voice-gateway/internal/gateway"
	"github.com/benvon/voice-gateway/internal/handlers"
	"github.com/spf13/cobra"
)

// NewHealthCmd creates the health command
func NewHealthCmd() *cobra.Command {
	var baseURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Long:  "Call GET /health on a running gateway and report its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
			if baseURL == "" {
				return fmt.Errorf("--url is required")
			}

			client := &http.Client{Timeout: timeout}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL+gateway.HealthPath, nil)
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach gateway: %w", err)
			}
			defer func() {
				_ = resp.Body.Close()
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health endpoint returned status: %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			var health handlers.HealthResponse
			if err := json.Unmarshal(body, &health); err != nil {
				return fmt.Errorf("failed to decode health response: %w", err)
			}
			if health.Status != "ok" {
				return fmt.Errorf("gateway reported status %q", health.Status)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Status: %s\n", health.Status)
			_, _ = fmt.Fprintf(out, "Timestamp: %s\n", health.Timestamp)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:3001", "Base URL of the gateway")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}
