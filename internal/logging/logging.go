// Package logging wires the tflog subsystem loggers used across directoryd.
package logging

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// RootName is the name of the root logger.
const RootName = "directoryd"

// EnvPrefix is the environment variable prefix for per-subsystem log levels,
// e.g. DIRECTORYD_LOG_POOL=trace.
const EnvPrefix = "DIRECTORYD_LOG"

// Subsystem names.
const (
	SubsystemDirectory = "directory"
	SubsystemCache     = "cache"
	SubsystemPool      = "pool"
	SubsystemLDAP      = "ldap"
	SubsystemSQL       = "sql"
	SubsystemStatic    = "static"
)

// Subsystems lists every subsystem registered by WithSubsystems.
var Subsystems = []string{
	SubsystemDirectory,
	SubsystemCache,
	SubsystemPool,
	SubsystemLDAP,
	SubsystemSQL,
	SubsystemStatic,
}

// sensitiveKeys are masked in every subsystem.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"plaintext",
	"token",
	"credential",
	"credentials",
	"bind_password",
}

// NewRootContext returns a context carrying the root JSON logger at the
// given level and every directoryd subsystem.
func NewRootContext(ctx context.Context, level string) context.Context {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(RootName),
		tfsdklog.WithLevel(lvl),
		tfsdklog.WithoutLocation(),
	)

	return WithSubsystems(ctx)
}

// WithSubsystems registers the directoryd subsystems on an existing root
// logger. Without a root logger in ctx this is a no-op.
func WithSubsystems(ctx context.Context) context.Context {
	ctx = tflog.MaskFieldValuesWithFieldKeys(ctx, sensitiveKeys...)
	for _, name := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, name, tflog.WithLevelFromEnv(EnvPrefix, name))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, name, sensitiveKeys...)
	}
	return ctx
}

// LogOperation logs the start and outcome of fn with its duration.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entry := make(map[string]any, len(fields)+3)
	maps.Copy(entry, sanitizeFields(fields))
	entry["operation"] = operation

	tflog.SubsystemTrace(ctx, subsystem, "Starting operation", entry)

	err := fn()

	entry["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		entry["error"] = err.Error()
		tflog.SubsystemDebug(ctx, subsystem, "Operation failed", entry)
	} else {
		tflog.SubsystemTrace(ctx, subsystem, "Operation completed", entry)
	}

	return err
}

// LogSlow logs an operation duration, escalating the level for slow calls.
func LogSlow(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	maps.Copy(entry, sanitizeFields(fields))
	entry["operation"] = operation
	entry["duration_ms"] = duration.Milliseconds()

	switch {
	case duration > 5*time.Second:
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", entry)
	case duration > time.Second:
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", entry)
	default:
		tflog.SubsystemTrace(ctx, subsystem, "Operation performance", entry)
	}
}

// LogBackendError logs a backend failure with the unwrapped cause chain.
func LogBackendError(ctx context.Context, subsystem, operation string, err error, fields map[string]any) {
	if err == nil {
		return
	}

	entry := make(map[string]any, len(fields)+3)
	maps.Copy(entry, sanitizeFields(fields))
	entry["operation"] = operation
	entry["error"] = err.Error()
	if cause := errors.Unwrap(err); cause != nil {
		entry["cause"] = cause.Error()
	}

	tflog.SubsystemError(ctx, subsystem, "Backend operation failed", entry)
}

// LogPoolEvent logs connection pool events at a level chosen by event name.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+1)
	maps.Copy(entry, sanitizeFields(fields))
	entry["event"] = event

	switch event {
	case "pool_initialized", "pool_closed":
		tflog.SubsystemDebug(ctx, SubsystemPool, "Pool event", entry)
	case "connection_acquired", "connection_released", "connection_created":
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", entry)
	case "pool_exhausted", "dial_failed", "health_check_failed", "connection_broken":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", entry)
	case "all_dials_failed":
		tflog.SubsystemError(ctx, SubsystemPool, "Pool event", entry)
	default:
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", entry)
	}
}

// LogConnectionEvent logs backend connection events for the given subsystem.
func LogConnectionEvent(ctx context.Context, subsystem, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+1)
	maps.Copy(entry, sanitizeFields(fields))
	entry["event"] = event

	switch event {
	case "connection_established", "bind_success":
		tflog.SubsystemDebug(ctx, subsystem, "Connection event", entry)
	case "connection_failed", "bind_failed", "connection_lost":
		tflog.SubsystemWarn(ctx, subsystem, "Connection event", entry)
	default:
		tflog.SubsystemTrace(ctx, subsystem, "Connection event", entry)
	}
}

// sanitizeFields returns a copy of fields with sensitive values redacted.
func sanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		switch {
		case isSensitiveKey(k):
			sanitized[k] = "[REDACTED]"
		case isSensitiveValue(v):
			sanitized[k] = "[REDACTED]"
		default:
			sanitized[k] = v
		}
	}

	return sanitized
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}

func isSensitiveValue(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "secret=", "token="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
