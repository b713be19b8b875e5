package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/directoryd/internal/logging"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// kerberosBinder performs GSSAPI service binds.
type kerberosBinder struct {
	cfg      KerberosConfig
	username string
	realm    string
	password string
	confPath string
	tempConf string // generated krb5.conf, removed by close
}

func newKerberosBinder(ctx context.Context, cfg *Config) (*kerberosBinder, error) {
	k := &kerberosBinder{
		cfg:      cfg.Kerberos,
		username: cfg.BindDN,
		realm:    cfg.Kerberos.Realm,
		password: cfg.BindPassword,
	}

	if k.realm == "" {
		if user, realm, ok := strings.Cut(k.username, "@"); ok {
			k.username, k.realm = user, realm
		} else if cfg.Domain != "" {
			k.realm = strings.ToUpper(cfg.Domain)
		}
	}
	if k.realm == "" {
		return nil, errors.New("kerberos realm is required (set kerberos.realm or include the realm in the username)")
	}

	if !k.hasCredentials() {
		return nil, errors.New("no suitable Kerberos credentials found: provide kerberos.ccache, kerberos.keytab, a password, or a default credential cache/keytab")
	}

	switch {
	case k.cfg.Config != "":
		if !fileExists(k.cfg.Config) {
			return nil, fmt.Errorf("kerberos configuration file not found at %s", k.cfg.Config)
		}
		k.confPath = k.cfg.Config
	case fileExists(defaultKrb5Conf):
		k.confPath = defaultKrb5Conf
	default:
		path, err := writeRuntimeKrb5Conf(ctx, k.realm, cfg.Domain, k.cfg.DNSLookupKDC)
		if err != nil {
			return nil, err
		}
		k.confPath, k.tempConf = path, path
	}

	return k, nil
}

func (k *kerberosBinder) hasCredentials() bool {
	return (k.cfg.CCache != "" && fileExists(k.cfg.CCache)) ||
		fileExists(defaultCCachePath()) ||
		(k.cfg.Keytab != "" && fileExists(k.cfg.Keytab)) ||
		(k.username != "" && fileExists(defaultKeytabPath())) ||
		(k.username != "" && k.password != "")
}

// bind performs a GSSAPI bind on conn for server.
func (k *kerberosBinder) bind(ctx context.Context, conn Conn, server *ServerInfo) error {
	client, err := k.client()
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
		_ = client.Close()
	}()

	spn, err := buildServicePrincipal(k.cfg.SPN, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	tflog.SubsystemTrace(ctx, logging.SubsystemLDAP, "Performing GSSAPI bind", map[string]any{
		"spn":   spn,
		"realm": k.realm,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// client creates a GSSAPI client. Priority order: credential cache, default
// credential cache, keytab, default keytab, password.
func (k *kerberosBinder) client() (*gssapi.Client, error) {
	fast := krb5client.DisablePAFXFAST(true)

	if k.cfg.CCache != "" && fileExists(k.cfg.CCache) {
		return gssapi.NewClientFromCCache(k.cfg.CCache, k.confPath, fast)
	}
	if ccache := defaultCCachePath(); fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, k.confPath, fast)
	}
	if k.cfg.Keytab != "" && fileExists(k.cfg.Keytab) {
		return gssapi.NewClientWithKeytab(k.username, k.realm, k.cfg.Keytab, k.confPath, fast)
	}
	if k.username != "" {
		if keytab := defaultKeytabPath(); fileExists(keytab) {
			return gssapi.NewClientWithKeytab(k.username, k.realm, keytab, k.confPath, fast)
		}
	}
	if k.username != "" && k.password != "" {
		return gssapi.NewClientWithPassword(k.username, k.realm, k.password, k.confPath, fast)
	}
	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

func (k *kerberosBinder) close() {
	if k.tempConf != "" {
		_ = os.Remove(k.tempConf)
	}
}

// buildServicePrincipal returns spn when set, otherwise ldap/<host>.
func buildServicePrincipal(spn string, server *ServerInfo) (string, error) {
	if spn != "" {
		return spn, nil
	}
	if server == nil || server.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}
	return "ldap/" + server.Host, nil
}

// runtimeKrb5Conf renders a krb5.conf that relies on DNS to find KDCs.
func runtimeKrb5Conf(realm, domain string, dnsLookupKDC bool) string {
	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = %t
    dns_lookup_realm = false
    rdns = false

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`, realm, dnsLookupKDC, realm, domain, realm, domain, realm)
}

func writeRuntimeKrb5Conf(ctx context.Context, realm, domain string, dnsLookupKDC bool) (string, error) {
	f, err := os.CreateTemp("", "directoryd-krb5-*.conf")
	if err != nil {
		return "", fmt.Errorf("failed to create krb5.conf: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(runtimeKrb5Conf(realm, domain, dnsLookupKDC)); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write krb5.conf: %w", err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Generated runtime krb5.conf", map[string]any{
		"path":           f.Name(),
		"realm":          realm,
		"dns_lookup_kdc": dnsLookupKDC,
	})
	return f.Name(), nil
}

// defaultCCachePath returns the default credential cache location.
func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// defaultKeytabPath returns the default keytab location.
func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
