package audit_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentsec/broker/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(audit.Event{
		RequestID: "req-1",
		Component: "proxy",
		Category:  "upstream.ok",
		Decision:  audit.DecisionAllow,
	})
	require.NoError(t, err)

	var event audit.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))

	assert.Equal(t, "proxy", event.Component)
	assert.Equal(t, "upstream.ok", event.Category)
	assert.Equal(t, audit.DecisionAllow, event.Decision)
	assert.NotEmpty(t, event.ID)
	assert.Len(t, event.ID, 36)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogger_Record_WithDetail(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(audit.Event{
		Component: "guardrail",
		Category:  "net.blocked",
		Decision:  audit.DecisionDeny,
		Detail:    map[string]interface{}{"host": "169.254.169.254"},
	})
	require.NoError(t, err)

	var event audit.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "169.254.169.254", event.Detail["host"])
}

func TestLogger_Record_OneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Record(audit.Event{Component: "vault", Category: "vault.ok", Decision: audit.DecisionAllow}))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var event audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
	}
}

func TestLogger_Record_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.Record(audit.Event{Component: "proxy", Category: "upstream.ok", Decision: audit.DecisionAllow})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		var event audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
	}
}

func TestNewFileLogger_WritesOwnerOnlyFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := audit.NewFileLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Record(audit.Event{Component: "vault", Category: "vault.ok", Decision: audit.DecisionAllow}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "audit-"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".jsonl"))

	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewFileLogger_AppendsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	logger, err := audit.NewFileLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Record(audit.Event{Component: "vault", Category: "vault.ok", Decision: audit.DecisionAllow}))
	require.NoError(t, logger.Record(audit.Event{Component: "vault", Category: "vault.ok", Decision: audit.DecisionAllow}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
}

func TestEvent_TimestampStampedEvenIfProvided(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, logger.Record(audit.Event{Timestamp: past, Component: "vault", Category: "vault.ok", Decision: audit.DecisionAllow}))

	var event audit.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.WithinDuration(t, past, event.Timestamp, time.Second)
}
