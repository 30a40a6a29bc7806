package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/logging"
	"opsisagent/internal/maintenance"
	"opsisagent/internal/trust"
)

func TestAgentURL(t *testing.T) {
	t.Parallel()

	if got := agentURL(":8080", "/stats"); got != "http://127.0.0.1:8080/stats" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := agentURL("10.0.0.5:9000", "/maintenance/windows"); got != "http://10.0.0.5:9000/maintenance/windows" {
		t.Fatalf("unexpected url %q", got)
	}
}

// runningAgent serves the maintenance endpoint over a live gate and writes a
// config file pointing the CLI at it.
func runningAgent(t *testing.T) (*maintenance.Gate, string) {
	t.Helper()
	dataDir := t.TempDir()
	tokenFile := filepath.Join(dataDir, "admin.token")
	token, err := maintenance.LoadOrCreateAdminToken(tokenFile)
	if err != nil {
		t.Fatalf("admin token: %v", err)
	}
	gate := maintenance.New(context.Background(), config.MaintenanceConfig{SweepIntervalSec: 30, RetentionDays: 7, Document: "maintenance-windows"},
		maintenance.Options{Clock: clock.RealClock{}, Logger: logging.Discard()})
	server := httptest.NewServer(maintenance.NewHTTPHandler(gate, token, logging.Discard()))
	t.Cleanup(server.Close)

	return gate, writeAgentConfig(t, dataDir, strings.TrimPrefix(server.URL, "http://"), tokenFile)
}

func writeAgentConfig(t *testing.T, dataDir, listen, tokenFile string) string {
	t.Helper()
	path := filepath.Join(dataDir, "agent.toml")
	content := fmt.Sprintf(`[agent]
id = "ws-01"
data_dir = %q

[http]
listen = %q
admin_token_file = %q
`, dataDir, listen, tokenFile)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWindowsAddGoesThroughRunningAgent(t *testing.T) {
	gate, path := runningAgent(t)

	out, err := executeRoot(t, "--config-file", path, "windows", "add",
		"--id", "patch-night", "--scope", "services", "--services", "Spooler", "--duration", "2h", "--reason", "patching")
	if err != nil {
		t.Fatalf("windows add: %v", err)
	}
	var stored domain.MaintenanceWindow
	if err := json.Unmarshal([]byte(out), &stored); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	windows := gate.List()
	if len(windows) != 1 || windows[0].ID != "patch-night" || windows[0].Source != domain.SourceTechnician {
		t.Fatalf("expected window in the agent's gate, got %+v", windows)
	}
	if result := gate.IsUnderMaintenance(domain.CategoryService, "Spooler", "SERVICE_STOPPED_Spooler"); !result.Suppressed {
		t.Fatalf("window must be active in the running gate without a restart")
	}

	out, err = executeRoot(t, "--config-file", path, "windows", "list")
	if err != nil {
		t.Fatalf("windows list: %v", err)
	}
	var listed []domain.MaintenanceWindow
	if err := json.Unmarshal([]byte(out), &listed); err != nil || len(listed) != 1 || listed[0].ID != "patch-night" {
		t.Fatalf("unexpected list output %q err=%v", out, err)
	}

	if _, err := executeRoot(t, "--config-file", path, "windows", "add", "--id", "patch-night"); err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected duplicate rejection from agent, got %v", err)
	}

	if _, err := executeRoot(t, "--config-file", path, "windows", "remove", "patch-night"); err != nil {
		t.Fatalf("windows remove: %v", err)
	}
	if len(gate.List()) != 0 {
		t.Fatalf("expected window removed from the agent's gate")
	}
}

func TestWindowsCommandRequiresAgentToken(t *testing.T) {
	dataDir := t.TempDir()
	path := writeAgentConfig(t, dataDir, "127.0.0.1:1", filepath.Join(dataDir, "absent.token"))

	if _, err := executeRoot(t, "--config-file", path, "windows", "list"); err == nil || !strings.Contains(err.Error(), "admin token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestRunbookHashCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runbook.json")
	body := []byte(`{"id":"rb-1","steps":[{"type":"flush_dns"}]}`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write runbook: %v", err)
	}
	want, err := trust.HashRunbook(body)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	out, err := executeRoot(t, "runbook", "hash", path)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != want {
		t.Fatalf("expected %s, got %q", want, out)
	}
}
