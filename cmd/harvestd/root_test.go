package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	t.Parallel()

	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sweep", "migrate", "assess"} {
		assert.True(t, names[want], want)
	}
}

func TestAssessInsufficientData(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, assess(strings.NewReader(`{"runs_total":2}`), &out, time.Now()))

	var got assessOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.InsufficientData)
	assert.Equal(t, harvest.QualityHealthy, got.Status)
	assert.Equal(t, 100, got.Score)
	assert.False(t, got.Cadence.Reduce)
}

func TestRootAssessCommandReadsStdin(t *testing.T) {
	t.Parallel()

	metrics := `{"target_id":"t1","runs_total":20,"runs_with_results":2,"empty_streak":12}`
	out, err := runRoot(t, metrics, "assess", "--at", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	var got assessOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.InsufficientData)
	assert.Less(t, got.Score, 100)
	assert.True(t, got.Cadence.Reduce)
	assert.InDelta(t, 0.5, got.Cadence.Multiplier, 0.21)
}

func TestAssessRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := runRoot(t, "not json", "assess")
	require.ErrorContains(t, err, "decode metrics")

	_, err = runRoot(t, "{}", "assess", "--at", "yesterday")
	require.ErrorContains(t, err, "--at")
}

func TestMigrateDownRejectsNonPositiveSteps(t *testing.T) {
	t.Parallel()

	_, err := runRoot(t, "", "migrate", "down", "--steps", "0")
	require.ErrorContains(t, err, "--steps")
}

func TestMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := runRoot(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "assess")
	require.ErrorContains(t, err, "load config")
}
