package directory

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/secret"
)

// VerifyCredentials reports whether plaintext is the password of the
// principal called name, falling back to an email lookup for addresses.
// Every failure, including an unknown principal or a backend error, returns
// false after comparable work so callers cannot tell them apart.
func (d *Directory) VerifyCredentials(ctx context.Context, backend, name, plaintext string) bool {
	ok := d.verify(ctx, backend, name, plaintext)

	id := backend
	if id == "" {
		id = d.opts.DefaultBackend
	}
	d.opts.Metrics.RecordAuth(ctx, id, ok)

	tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Credential verification", map[string]any{
		"backend": id,
		"success": ok,
	})

	return ok
}

func (d *Directory) verify(ctx context.Context, backend, name, plaintext string) bool {
	b, err := d.backend(backend)
	if err != nil {
		return d.reject()
	}

	p, err := d.FindPrincipal(ctx, b.ID(), ByName, name)
	if err != nil && IsNotFound(err) && strings.Contains(name, "@") && b.Capabilities().Has(CapLookupByEmail) {
		p, err = d.FindPrincipal(ctx, b.ID(), ByEmail, name)
	}
	if err != nil {
		if !IsNotFound(err) {
			logging.LogBackendError(ctx, logging.SubsystemDirectory, "verify_credentials", err, map[string]any{
				"backend":    b.ID(),
				"error_kind": KindName(err),
			})
		}
		return d.reject()
	}

	if !p.HasCredential() {
		if auth, ok := b.(Authenticator); ok {
			verified, err := auth.Authenticate(ctx, p, plaintext)
			if err != nil {
				logging.LogBackendError(ctx, logging.SubsystemDirectory, "authenticate", err, map[string]any{
					"backend":    b.ID(),
					"error_kind": KindName(err),
				})
				return d.reject()
			}
			return verified
		}
		return d.reject()
	}

	if !p.Credential.Scheme.Known() {
		tflog.SubsystemWarn(ctx, logging.SubsystemDirectory, "Stored credential uses an unknown scheme", map[string]any{
			"backend":   b.ID(),
			"principal": p.Name,
		})
		return d.reject()
	}

	return secret.VerifyCredential(p.Credential, plaintext)
}

// verifyDummy is swapped out in tests.
var verifyDummy = secret.VerifyCredential

// reject runs a verification against the dummy credential so that failure
// paths cost about as much as a real check, and returns false.
func (d *Directory) reject() bool {
	verifyDummy(d.dummy, "directoryd-timing-equalizer-mismatch")
	return false
}
