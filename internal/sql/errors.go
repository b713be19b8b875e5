package sql

import (
	"context"
	stdsql "database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/pool"
)

// PostgreSQL SQLSTATE codes and classes.
const (
	pgInsufficientPrivilege = "42501"
	pgQueryCanceled         = "57014"
	pgClassAuthorization    = "28"
	pgClassConnection       = "08"
	pgClassShutdown         = "57P"
)

// classify maps a database error to a directory error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var be *directory.BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	switch {
	case errors.Is(err, stdsql.ErrNoRows):
		return directory.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pool.ErrTimeout):
		return directory.ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, pool.ErrDial), errors.Is(err, pool.ErrClosed):
		return directory.ErrConnectionLost
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, stdsql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return directory.ErrConnectionLost
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return classifyPG(pgErr.Field('C'))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return directory.ErrTimeout
		}
		return directory.ErrConnectionLost
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return directory.ErrTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "database is closed"):
		return directory.ErrConnectionLost
	}

	return directory.ErrMalformedResponse
}

func classifyPG(code string) error {
	switch {
	case code == pgInsufficientPrivilege, strings.HasPrefix(code, pgClassAuthorization):
		return directory.ErrPermissionDenied
	case code == pgQueryCanceled:
		return directory.ErrTimeout
	case strings.HasPrefix(code, pgClassConnection), strings.HasPrefix(code, pgClassShutdown):
		return directory.ErrConnectionLost
	default:
		return directory.ErrMalformedResponse
	}
}

// isBroken reports whether a pooled connection must be discarded after err.
func isBroken(err error) bool {
	return errors.Is(classify(err), directory.ErrConnectionLost)
}

func (b *Backend) wrap(operation string, err error) error {
	if err == nil {
		return nil
	}
	var be *directory.BackendError
	if errors.As(err, &be) {
		return err
	}
	return directory.NewBackendError(b.id, operation, classify(err), err)
}
