package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dsn string, args ...string) string {
	t.Helper()
	t.Setenv("XJOG_SELF_ID", "inst-cli-test")
	t.Setenv("XJOG_STORE_DRIVER", "sqlite")
	t.Setenv("XJOG_STORE_DSN", dsn)
	t.Setenv("XJOG_LOG_LEVEL", "error")
	t.Setenv("XJOG_LOG_FORMAT", "json")

	root := BuildRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestChartCreateGetSendRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "xjog.db")

	created := run(t, dsn, "chart", "create", "chart-1")
	var createdState map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(created), &createdState))
	assert.Equal(t, "off", createdState["value"])

	got := run(t, dsn, "chart", "get", "switch", "chart-1")
	var chart map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got), &chart))
	assert.Equal(t, "inst-cli-test", chart["OwnerID"])

	sent := run(t, dsn, "chart", "send", "chart-1", "flip")
	var sentState map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(sent), &sentState))
	assert.Equal(t, "on", sentState["value"])
}

// chart create runs a short-lived engine whose shutdown deletes its own
// instance row, so the list that follows holds no row for it.
func TestInstancesListOmitsSelfAfterOneShotCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "xjog.db")
	run(t, dsn, "chart", "create", "chart-1")

	out := run(t, dsn, "instances", "list")
	var instances []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &instances))
	require.Len(t, instances, 0)
	assert.NotContains(t, out, "inst-cli-test")
}
