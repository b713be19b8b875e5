package ldap

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/pool"
)

// classify maps an LDAP or transport error to a directory error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var be *directory.BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	// a failed dial carries the server's result code, e.g. a rejected
	// service bind
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return classifyCode(ldapErr.ResultCode)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pool.ErrTimeout):
		return directory.ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, pool.ErrDial), errors.Is(err, pool.ErrClosed):
		return directory.ErrConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return directory.ErrTimeout
		}
		return directory.ErrConnectionLost
	}

	return classifyGeneric(err)
}

// classifyCode maps an LDAP result code.
func classifyCode(code uint16) error {
	switch code {
	case ldap.LDAPResultNoSuchObject:
		return directory.ErrNotFound

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout:
		return directory.ErrTimeout

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return directory.ErrConnectionLost

	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired,
		ldap.ErrorEmptyPassword:
		return directory.ErrPermissionDenied

	default:
		// decoding, unexpected responses, filter errors and the rest
		return directory.ErrMalformedResponse
	}
}

// classifyGeneric categorizes non-LDAP errors by message.
func classifyGeneric(err error) error {
	msg := strings.ToLower(err.Error())

	for _, pattern := range []string{"timeout", "timed out"} {
		if strings.Contains(msg, pattern) {
			return directory.ErrTimeout
		}
	}
	for _, pattern := range []string{"connection", "network", "broken pipe", "eof"} {
		if strings.Contains(msg, pattern) {
			return directory.ErrConnectionLost
		}
	}
	return directory.ErrMalformedResponse
}

// isBroken reports whether a pooled connection must be discarded after err.
func isBroken(err error) bool {
	return errors.Is(classify(err), directory.ErrConnectionLost)
}

// isInvalidCredentials reports whether a bind failed on the password.
func isInvalidCredentials(err error) bool {
	return ldap.IsErrorAnyOf(err, ldap.LDAPResultInvalidCredentials, ldap.ErrorEmptyPassword)
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
