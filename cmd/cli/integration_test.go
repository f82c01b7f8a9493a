package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/cmd/cli/config"
	"github.com/arbiterml/modelplane/internal/api"
	"github.com/arbiterml/modelplane/internal/budget"
	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/internal/rollout"
	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/internal/storage/implementations/memory"
	"github.com/arbiterml/modelplane/pkg/models"
)

type nullScorer struct{}

func (nullScorer) Score(ctx context.Context, versionID string, req *models.InferenceRequest) (float64, error) {
	return 0.5, nil
}

// startTestServer runs the full control plane API on a test listener.
func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := memory.NewStore(logger)
	bus := events.NewBus(32, logger)
	t.Cleanup(bus.Close)

	reg, err := registry.NewRegistry(nil, store, logger)
	require.NoError(t, err)
	enforcer, err := budget.NewEnforcer(nil, store, reg, bus, logger)
	require.NoError(t, err)
	reg.SetAutoswitchSource(enforcer)
	monitor, err := drift.NewMonitor(nil, store, bus, logger)
	require.NoError(t, err)
	orch, err := rollout.NewOrchestrator(nil, store, reg, monitor, enforcer, bus, logger)
	require.NoError(t, err)
	eval, err := shadow.NewEvaluator(nil, store, nullScorer{}, bus, logger)
	require.NoError(t, err)

	router := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Registry:     reg,
		Orchestrator: orch,
		Drift:        monitor,
		Budget:       enforcer,
		Evaluator:    eval,
	})
	server := httptest.NewServer(router.SetupRoutes())
	t.Cleanup(server.Close)

	return server
}

// executeCommand runs the CLI against the test server and captures output.
func executeCommand(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--server", server.URL))
	err := root.Execute()
	return buf.String(), err
}

func publishTestVersion(t *testing.T, server *httptest.Server, id string) {
	t.Helper()
	_, err := executeCommand(t, server,
		"version", "publish",
		"--id", id,
		"--provider", "acme-ml",
		"--prompt-version", "prompt-7",
		"--cost", "0.01",
		"--min-fairness", "0.7",
		"--min-privacy", "0.9",
		"--max-cost", "0.05",
	)
	require.NoError(t, err)
}

func bindTestTenant(t *testing.T, server *httptest.Server, tenant, version string) {
	t.Helper()
	_, err := executeCommand(t, server,
		"override", "set", "--tenant", tenant, "--base", version)
	require.NoError(t, err)
}

func TestCLIVersionCommands(t *testing.T) {
	server := startTestServer(t)
	publishTestVersion(t, server, "v1")

	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		validate func(t *testing.T, output string)
	}{
		{
			name: "List shows the published version",
			args: []string{"version", "list"},
			validate: func(t *testing.T, output string) {
				assert.Contains(t, output, "v1")
				assert.Contains(t, output, "acme-ml")
				assert.Contains(t, output, "prompt-7")
			},
		},
		{
			name: "Get prints guardrails",
			args: []string{"version", "get", "v1"},
			validate: func(t *testing.T, output string) {
				assert.Contains(t, output, "Min Fairness")
				assert.Contains(t, output, "0.70")
			},
		},
		{
			name: "Get as JSON decodes",
			args: []string{"version", "get", "v1", "--output", "json"},
			validate: func(t *testing.T, output string) {
				var version models.ModelVersion
				require.NoError(t, json.Unmarshal([]byte(output), &version))
				assert.Equal(t, "v1", version.ID)
				assert.True(t, version.Active)
			},
		},
		{
			name:    "Get unknown version fails",
			args:    []string{"version", "get", "ghost"},
			wantErr: true,
		},
		{
			name:    "Duplicate publish fails",
			args:    []string{"version", "publish", "--id", "v1", "--provider", "acme-ml", "--prompt-version", "prompt-7"},
			wantErr: true,
		},
		{
			name:    "Publish without provider fails",
			args:    []string{"version", "publish", "--id", "v9"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := executeCommand(t, server, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, output)
			}
		})
	}
}

func TestCLIOverrideCommands(t *testing.T) {
	server := startTestServer(t)
	publishTestVersion(t, server, "v1")
	publishTestVersion(t, server, "v2")

	output, err := executeCommand(t, server,
		"override", "set", "--tenant", "acme", "--base", "v1")
	require.NoError(t, err)
	assert.Contains(t, output, "Override applied for tenant acme")
	assert.Contains(t, output, "v1")

	// Patch without --base keeps the bound version.
	output, err = executeCommand(t, server,
		"override", "set", "--tenant", "acme", "--fairness-threshold", "0.8")
	require.NoError(t, err)
	assert.Contains(t, output, "v1")
	assert.Contains(t, output, "0.80")

	// A patch below the guardrail floor is rejected.
	_, err = executeCommand(t, server,
		"override", "set", "--tenant", "acme", "--fairness-threshold", "0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GUARDRAIL_VIOLATION")

	output, err = executeCommand(t, server, "override", "get", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, "Base Version")
	assert.Contains(t, output, "v1")

	output, err = executeCommand(t, server, "override", "rollback", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, "Rolled back override for tenant acme")

	_, err = executeCommand(t, server, "override", "get", "--tenant", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TENANT_NOT_FOUND")
}

func TestCLIRolloutCommands(t *testing.T) {
	server := startTestServer(t)
	publishTestVersion(t, server, "v1")
	publishTestVersion(t, server, "v2")
	bindTestTenant(t, server, "acme", "v1")

	output, err := executeCommand(t, server,
		"rollout", "start", "--tenant", "acme", "--from", "v1", "--to", "v2")
	require.NoError(t, err)
	assert.Contains(t, output, "v1 -> v2")
	assert.Contains(t, output, "init")

	output, err = executeCommand(t, server, "rollout", "status", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, "init (0%)")

	_, err = executeCommand(t, server,
		"rollout", "start", "--tenant", "acme", "--from", "v1", "--to", "v2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLLOUT_IN_PROGRESS")

	output, err = executeCommand(t, server,
		"rollout", "abort", "--tenant", "acme", "--reason", "canary regression")
	require.NoError(t, err)
	assert.Contains(t, output, "aborted")
	assert.Contains(t, output, "canary regression")

	_, err = executeCommand(t, server, "rollout", "status", "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLLOUT_NOT_FOUND")

	output, err = executeCommand(t, server,
		"rollout", "status", "--tenant", "acme", "--history")
	require.NoError(t, err)
	assert.Contains(t, output, "aborted")
	assert.Contains(t, output, "canary regression")
}

func TestCLIDriftStatus(t *testing.T) {
	server := startTestServer(t)

	output, err := executeCommand(t, server, "drift", "status", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, "No drift checks recorded for tenant acme")

	output, err = executeCommand(t, server,
		"drift", "status", "--tenant", "acme", "--output", "json")
	require.NoError(t, err)
	var result struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.Equal(t, 0, result.Count)
}

func TestCLIBudgetCommands(t *testing.T) {
	server := startTestServer(t)

	_, err := executeCommand(t, server, "budget", "status", "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_NOT_FOUND")

	// Policy and billing arrive over the server API.
	putJSON(t, server, "/api/v1/budget/acme/policy", map[string]interface{}{"limit_units": 100.0})
	postJSON(t, server, "/api/v1/telemetry/billing", map[string]interface{}{
		"tenant_id": "acme", "cost_units": 2.5, "latency_ms": 120.0,
	})

	output, err := executeCommand(t, server, "budget", "status", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, "2.5000 / 100.0000")
	assert.Contains(t, output, "normal")

	_, err = executeCommand(t, server, "budget", "forecast", "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSUFFICIENT_SAMPLES")
}

func TestCLIExperimentCommands(t *testing.T) {
	server := startTestServer(t)
	publishTestVersion(t, server, "v1")
	publishTestVersion(t, server, "v2")

	output, err := executeCommand(t, server,
		"experiment", "start",
		"--tenant", "acme",
		"--label", "toxicity",
		"--mode", "shadow",
		"--control", "v1",
		"--variant", "v2",
		"--output", "json",
	)
	require.NoError(t, err)
	var experiment models.Experiment
	require.NoError(t, json.Unmarshal([]byte(output), &experiment))
	require.NotEmpty(t, experiment.ID)
	assert.Equal(t, models.ExperimentModeShadow, experiment.Mode)

	output, err = executeCommand(t, server, "experiment", "status", experiment.ID)
	require.NoError(t, err)
	assert.Contains(t, output, "shadow")
	assert.Contains(t, output, "toxicity")

	output, err = executeCommand(t, server,
		"experiment", "status", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, output, experiment.ID)

	_, err = executeCommand(t, server, "experiment", "status")
	require.Error(t, err)

	output, err = executeCommand(t, server, "experiment", "conclude", experiment.ID)
	require.NoError(t, err)
	assert.Contains(t, output, "concluded")

	_, err = executeCommand(t, server,
		"experiment", "start",
		"--tenant", "acme",
		"--label", "toxicity",
		"--mode", "shadow",
		"--control", "v1",
		"--variant", "ghost",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_VERSION")
}

func TestCLIConfigCommands(t *testing.T) {
	server := startTestServer(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	output, err := executeCommand(t, server,
		"config", "init", "--file", cfgPath, "--server-url", "http://mp.internal:9090")
	require.NoError(t, err)
	assert.Contains(t, output, cfgPath)

	output, err = executeCommand(t, server, "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "http://mp.internal:9090")
	assert.Contains(t, output, "30s")

	output, err = executeCommand(t, server,
		"config", "show", "--config", cfgPath, "--output", "json")
	require.NoError(t, err)
	var cfg config.CLIConfig
	require.NoError(t, json.Unmarshal([]byte(output), &cfg))
	assert.Equal(t, "http://mp.internal:9090", cfg.ServerURL)
	assert.Equal(t, "table", cfg.DefaultOutput)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	// Environment beats the config file.
	t.Setenv("MODELPLANE_SERVER_URL", "http://env.example:7070")
	output, err = executeCommand(t, server, "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "http://env.example:7070")

	output, err = executeCommand(t, server, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, output, filepath.Join(".modelplane", "config.yaml"))
}

func putJSON(t *testing.T, server *httptest.Server, path string, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300)
}

func postJSON(t *testing.T, server *httptest.Server, path string, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300)
}
