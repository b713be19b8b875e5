package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/directoryd/internal/directory"
)

// Config holds the settings of an LDAP backend.
type Config struct {
	// URLs are tried in order. When empty, servers are discovered from the
	// SRV records of Domain.
	URLs   []string `yaml:"urls"`
	Domain string   `yaml:"domain"`
	BaseDN string   `yaml:"base_dn"`

	// Service account. An empty BindDN without Kerberos binds anonymously.
	BindDN       string `yaml:"-"`
	BindPassword string `yaml:"-"`

	Timeout   time.Duration `yaml:"timeout" default:"10s"`
	SizeLimit int           `yaml:"size_limit" default:"1000"`

	TLS        TLSConfig      `yaml:"tls"`
	Kerberos   KerberosConfig `yaml:"kerberos"`
	Filters    Filters        `yaml:"filters"`
	Attributes AttributeMap   `yaml:"attributes"`

	// Kinds maps lower-cased objectClass values to principal kinds.
	// Unmapped entries are individuals.
	Kinds map[string]string `yaml:"kinds"`

	// AuthBind verifies credentials by binding as the principal instead of
	// reading a stored secret.
	AuthBind bool `yaml:"auth_bind"`

	// LocalDomains are the mail domains hosted by this directory. When
	// DomainFilter is set, domains are looked up with it instead.
	LocalDomains []string `yaml:"local_domains"`
	DomainFilter string   `yaml:"domain_filter"`
}

// TLSConfig configures transport security.
type TLSConfig struct {
	// Disable uses plain LDAP for ldap:// servers instead of StartTLS.
	Disable            bool   `yaml:"disable"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// KerberosConfig enables GSSAPI service binds.
type KerberosConfig struct {
	Enabled bool   `yaml:"enabled"`
	Realm   string `yaml:"realm"`
	Keytab  string `yaml:"keytab"`
	CCache  string `yaml:"ccache"`
	Config  string `yaml:"config"` // krb5.conf path
	SPN     string `yaml:"spn"`

	// DNSLookupKDC is written to the generated krb5.conf used when Config
	// is empty and /etc/krb5.conf does not exist.
	DNSLookupKDC bool `yaml:"dns_lookup_kdc"`
}

// Filters are search filter templates. Every "?" is replaced with the
// escaped lookup value.
type Filters struct {
	ByName  string `yaml:"by_name" default:"(&(objectClass=*)(uid=?))"`
	ByEmail string `yaml:"by_email" default:"(|(mail=?)(mailAlternateAddress=?))"`
	ByID    string `yaml:"by_id" default:"(entryUUID=?)"`
}

// AttributeMap names the directory attributes read into a principal.
type AttributeMap struct {
	Name        string   `yaml:"name" default:"uid"`
	Emails      []string `yaml:"emails" default:"[\"mail\",\"mailAlternateAddress\"]"`
	Secret      string   `yaml:"secret" default:"userPassword"`
	Members     string   `yaml:"members" default:"member"`
	MemberOf    string   `yaml:"member_of" default:"memberOf"`
	Description string   `yaml:"description" default:"description"`
	Quota       string   `yaml:"quota" default:"mailQuota"`
	ID          string   `yaml:"id" default:"entryUUID"`
	Class       string   `yaml:"class" default:"objectClass"`
}

var defaultKinds = map[string]directory.Kind{
	"group":              directory.KindGroup,
	"groupofnames":       directory.KindGroup,
	"groupofuniquenames": directory.KindGroup,
	"posixgroup":         directory.KindGroup,
	"mailgroup":          directory.KindList,
	"mailinglist":        directory.KindList,
	"nismailalias":       directory.KindAlias,
}

// DefaultConfig returns a configuration for an RFC 2307/inetOrgPerson
// directory.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		SizeLimit: 1000,
		Filters: Filters{
			ByName:  "(&(objectClass=*)(uid=?))",
			ByEmail: "(|(mail=?)(mailAlternateAddress=?))",
			ByID:    "(entryUUID=?)",
		},
		Attributes: AttributeMap{
			Name:        "uid",
			Emails:      []string{"mail", "mailAlternateAddress"},
			Secret:      "userPassword",
			Members:     "member",
			MemberOf:    "memberOf",
			Description: "description",
			Quota:       "mailQuota",
			ID:          "entryUUID",
			Class:       "objectClass",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if len(c.URLs) == 0 && c.Domain == "" {
		errs = append(errs, errors.New("either urls or domain must be specified"))
	}
	if c.BaseDN == "" {
		errs = append(errs, errors.New("base_dn is required"))
	} else if _, err := ldap.ParseDN(c.BaseDN); err != nil {
		errs = append(errs, fmt.Errorf("base_dn: %w", err))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.Attributes.Name == "" {
		errs = append(errs, errors.New("attributes.name is required"))
	}

	for name, tmpl := range map[string]string{
		"filters.by_name":  c.Filters.ByName,
		"filters.by_email": c.Filters.ByEmail,
		"filters.by_id":    c.Filters.ByID,
	} {
		if tmpl != "" && !strings.Contains(tmpl, "?") {
			errs = append(errs, fmt.Errorf("%s must contain a ? placeholder", name))
		}
	}
	if c.DomainFilter != "" && !strings.Contains(c.DomainFilter, "?") {
		errs = append(errs, errors.New("domain_filter must contain a ? placeholder"))
	}

	for class, kind := range c.Kinds {
		if _, ok := directory.ParseKind(kind); !ok {
			errs = append(errs, fmt.Errorf("kinds.%s: unknown kind %q", class, kind))
		}
	}

	if c.Kerberos.Enabled && c.Kerberos.Realm == "" && !strings.Contains(c.BindDN, "@") && c.Domain == "" {
		errs = append(errs, errors.New("kerberos requires a realm, a user@REALM username or a domain"))
	}

	return errors.Join(errs...)
}

// kinds returns the effective objectClass mapping.
func (c *Config) kinds() map[string]directory.Kind {
	if len(c.Kinds) == 0 {
		return defaultKinds
	}
	out := make(map[string]directory.Kind, len(c.Kinds))
	for class, kind := range c.Kinds {
		k, _ := directory.ParseKind(kind)
		out[strings.ToLower(class)] = k
	}
	return out
}

// tlsConfig builds the client TLS configuration for host.
func (c *Config) tlsConfig(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if c.TLS.ServerName != "" {
		cfg.ServerName = c.TLS.ServerName
	}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// Conn is the subset of *ldap.Conn used by the backend.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)
