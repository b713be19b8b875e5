package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(buf *bytes.Buffer) context.Context {
	return WithSubsystems(tflogtest.RootLogger(context.Background(), buf))
}

func TestLogPoolEventLevels(t *testing.T) {
	tests := []struct {
		event string
		level string
	}{
		{"pool_initialized", "debug"},
		{"connection_acquired", "trace"},
		{"pool_exhausted", "warn"},
		{"all_dials_failed", "error"},
		{"something_else", "trace"},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := testContext(&buf)

			LogPoolEvent(ctx, tt.event, map[string]any{"pool": "main"})

			entries, err := tflogtest.MultilineJSONDecode(&buf)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0]["@level"])
			assert.Equal(t, "provider.pool", entries[0]["@module"])
			assert.Equal(t, tt.event, entries[0]["event"])
			assert.Equal(t, "main", entries[0]["pool"])
		})
	}
}

func TestSensitiveFieldsAreMasked(t *testing.T) {
	var buf bytes.Buffer
	ctx := testContext(&buf)

	LogConnectionEvent(ctx, SubsystemLDAP, "bind_failed", map[string]any{
		"bind_dn":  "cn=admin,dc=example,dc=org",
		"password": "hunter2",
	})

	entries, err := tflogtest.MultilineJSONDecode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "***", entries[0]["password"])
	assert.Equal(t, "cn=admin,dc=example,dc=org", entries[0]["bind_dn"])
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	ctx := testContext(&buf)

	fields := map[string]any{"backend": "main"}
	err := LogOperation(ctx, SubsystemDirectory, "find_principal", fields, func() error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	entries, err := tflogtest.MultilineJSONDecode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Starting operation", entries[0]["@message"])
	assert.Equal(t, "Operation failed", entries[1]["@message"])
	assert.Equal(t, "boom", entries[1]["error"])

	// the caller's map is not modified
	assert.Len(t, fields, 1)
}

func TestLogSlow(t *testing.T) {
	var buf bytes.Buffer
	ctx := testContext(&buf)

	LogSlow(ctx, SubsystemSQL, "lookup", 6*time.Second, nil)
	LogSlow(ctx, SubsystemSQL, "lookup", 2*time.Second, nil)

	entries, err := tflogtest.MultilineJSONDecode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["@level"])
	assert.Equal(t, "info", entries[1]["@level"])
}

func TestSanitizeFields(t *testing.T) {
	in := map[string]any{
		"password": "hunter2",
		"Secret":   "s3cr3t",
		"dsn":      "postgres://u:p@h/db?password=x",
		"user":     "alice",
		"count":    3,
	}

	out := sanitizeFields(in)
	assert.Equal(t, "[REDACTED]", out["password"])
	assert.Equal(t, "[REDACTED]", out["Secret"])
	assert.Equal(t, "[REDACTED]", out["dsn"])
	assert.Equal(t, "alice", out["user"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "hunter2", in["password"])
}

func TestLogBackendErrorRedactsValues(t *testing.T) {
	var buf bytes.Buffer
	ctx := testContext(&buf)

	LogBackendError(ctx, SubsystemSQL, "connect", errors.New("refused"), map[string]any{
		"dsn":     "postgres://u:p@h/db?password=x",
		"backend": "main",
	})

	entries, err := tflogtest.MultilineJSONDecode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED]", entries[0]["dsn"])
	assert.Equal(t, "main", entries[0]["backend"])
}

func TestWithoutRootLoggerIsNoop(t *testing.T) {
	ctx := WithSubsystems(context.Background())
	assert.NotPanics(t, func() {
		LogPoolEvent(ctx, "pool_initialized", nil)
	})
}
