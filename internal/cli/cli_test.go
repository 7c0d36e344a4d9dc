package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/edgard/murailocrm/internal/merge"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "database:\n  dsn: " + filepath.Join(dir, "crm.db") + "\n" +
		"telegram:\n  enabled: false\n" +
		"webhook:\n  enabled: false\n" +
		"realtime:\n  enabled: false\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRoot_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "migrate", "--config", writeConfig(t), "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMigrate(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite schema at version 2 (clean)\n", out)

	out, err = execute(t, "migrate", "--config", path, "--format", "json")
	require.NoError(t, err)
	var res MigrateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, MigrateResult{Driver: "sqlite", Version: 1}, res)
}

func TestSweep_EmptyDatabase(t *testing.T) {
	out, err := execute(t, "sweep", "--config", writeConfig(t), "--format", "yaml", "--limit", "10")
	require.NoError(t, err)

	var report merge.Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, merge.Report{}, report)
}

func TestSweepOptions_Filter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	f := (&sweepOptions{ids: []int64{4, 5}, limit: 3, minAge: time.Hour}).filter(now)
	assert.Equal(t, []int64{4, 5}, f.ContactIDs)
	assert.Equal(t, 3, f.Limit)
	assert.Equal(t, now.Add(-time.Hour), f.CreatedBefore)

	assert.True(t, (&sweepOptions{}).filter(now).CreatedBefore.IsZero())
}

func TestWriteReport_Text(t *testing.T) {
	var buf bytes.Buffer
	report := merge.Report{Scanned: 2, Merged: 1, Errors: 1, Failures: []merge.Failure{{ContactID: 9, Error: "lookup failed"}}}

	require.NoError(t, writeReport(&buf, "text", report))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Merge sweep: "+report.String(), lines[0])
	assert.Equal(t, "  contact 9: lookup failed", lines[1])
}
