package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"opsisagent/internal/app"
	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/maintenance"
	"opsisagent/internal/trust"
)

var (
	configFile string
	configDir  string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "opsis-agent",
		Short:         "Endpoint self-healing agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}
	root.PersistentFlags().StringVar(&configFile, "config-file", "", "path to one TOML config file")
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "path to directory with TOML config fragments")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runAgent,
	})
	root.AddCommand(newWindowsCommand())
	root.AddCommand(newRunbookCommand())
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print ticket statistics from a running agent",
		Args:  cobra.NoArgs,
		RunE:  printStats,
	})
	return root
}

func loadConfig() (config.Config, error) {
	source, err := config.FromCLI(configFile, configDir)
	if err != nil {
		return config.Config{}, err
	}
	return config.LoadSnapshot(source)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	source, err := config.FromCLI(configFile, configDir)
	if err != nil {
		return err
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	if err := service.Run(cmd.Context()); err != nil {
		return fmt.Errorf("service run failed: %w", err)
	}
	return nil
}

func newWindowsCommand() *cobra.Command {
	windows := &cobra.Command{
		Use:   "windows",
		Short: "Inspect and declare maintenance windows on the running agent",
	}
	windows.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List maintenance windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAgentClient()
			if err != nil {
				return err
			}
			var listed []domain.MaintenanceWindow
			if err := client.do(cmd.Context(), http.MethodGet, "", nil, http.StatusOK, &listed); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), listed)
		},
	})

	var (
		id          string
		start       string
		duration    time.Duration
		scopeType   string
		services    []string
		categories  []string
		signalIDs   []string
		allowEsc    bool
		allowRemedy bool
		reason      string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Declare a technician maintenance window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			startAt := time.Now().UTC()
			if start != "" {
				parsed, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
				startAt = parsed
			}
			window := domain.MaintenanceWindow{
				ID:        id,
				StartTime: startAt,
				EndTime:   startAt.Add(duration),
				Scope: domain.MaintenanceScope{
					Type:       domain.ScopeType(strings.ToLower(scopeType)),
					Services:   services,
					Categories: categories,
					SignalIDs:  signalIDs,
				},
				SuppressEscalation:  !allowEsc,
				SuppressRemediation: !allowRemedy,
				Source:              domain.SourceTechnician,
				Reason:              reason,
			}
			client, err := newAgentClient()
			if err != nil {
				return err
			}
			var stored domain.MaintenanceWindow
			if err := client.do(cmd.Context(), http.MethodPost, "", window, http.StatusCreated, &stored); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stored)
		},
	}
	add.Flags().StringVar(&id, "id", "", "window ID (generated when empty)")
	add.Flags().StringVar(&start, "start", "", "RFC3339 start time (now when empty)")
	add.Flags().DurationVar(&duration, "duration", time.Hour, "window length")
	add.Flags().StringVar(&scopeType, "scope", string(domain.ScopeAll), "scope: all, services, categories or specific")
	add.Flags().StringSliceVar(&services, "services", nil, "service names for services scope")
	add.Flags().StringSliceVar(&categories, "categories", nil, "categories for categories scope")
	add.Flags().StringSliceVar(&signalIDs, "signals", nil, "signature IDs for specific scope")
	add.Flags().BoolVar(&allowEsc, "allow-escalation", false, "keep escalating while the window is active")
	add.Flags().BoolVar(&allowRemedy, "allow-remediation", false, "keep remediating while the window is active")
	add.Flags().StringVar(&reason, "reason", "", "free-form reason")
	windows.AddCommand(add)

	windows.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a maintenance window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAgentClient()
			if err != nil {
				return err
			}
			return client.do(cmd.Context(), http.MethodDelete, "?id="+url.QueryEscape(args[0]), nil, http.StatusNoContent, nil)
		},
	})
	return windows
}

// agentClient talks to the maintenance endpoint of the running agent, so
// windows land in the agent's own gate instead of a second copy of its document.
type agentClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAgentClient() (*agentClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token, err := maintenance.ReadAdminToken(cfg.HTTP.AdminTokenFile)
	if err != nil {
		return nil, err
	}
	return &agentClient{
		baseURL: agentURL(cfg.HTTP.Listen, cfg.HTTP.WindowsPath),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// do sends one request and decodes the JSON reply into out when non-nil.
func (c *agentClient) do(ctx context.Context, method, suffix string, body any, wantStatus int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+suffix, payload)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("reach agent: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != wantStatus {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4<<10))
		return fmt.Errorf("agent returned status %d: %s", response.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent reply: %w", err)
	}
	return nil
}

func newRunbookCommand() *cobra.Command {
	runbook := &cobra.Command{
		Use:   "runbook",
		Short: "Runbook integrity helpers",
	}
	runbook.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Print the canonical SHA-256 of a runbook JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read runbook: %w", err)
			}
			hash, err := trust.HashRunbook(raw)
			if err != nil {
				return fmt.Errorf("hash runbook: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	})
	return runbook
}

func printStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL(cfg.HTTP.Listen, "/stats"), nil)
	if err != nil {
		return err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("query agent stats: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("agent stats returned status %d", response.StatusCode)
	}
	var body any
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), body)
}

// agentURL maps a listen address such as :8080 and a path to a loopback URL.
func agentURL(listen, path string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + path
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
