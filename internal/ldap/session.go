package ldap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/directoryd/internal/logging"
)

// DialFunc opens a transport connection to server. It does not bind.
type DialFunc func(ctx context.Context, server *ServerInfo, cfg *Config) (Conn, error)

// session is a pooled connection bound as the service account.
type session struct {
	conn   Conn
	server *ServerInfo
}

// dialServer connects with LDAPS, or with StartTLS on ldap:// unless TLS is
// disabled.
func dialServer(ctx context.Context, server *ServerInfo, cfg *Config) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := ServerInfoToURL(server)
	tlsCfg, err := cfg.tlsConfig(server.Host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	var conn *ldap.Conn
	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(tlsCfg), ldap.DialWithDialer(dialer))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && !cfg.TLS.Disable {
			if err = conn.StartTLS(tlsCfg); err != nil {
				conn.Close()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(cfg.Timeout)
	return conn, nil
}

// sessionFactory dials the backend's servers in order and binds each new
// connection as the service account.
type sessionFactory struct {
	b *Backend
}

func (f sessionFactory) Dial(ctx context.Context) (*session, error) {
	var errs []error
	for _, server := range f.b.servers {
		fields := map[string]any{
			"backend": f.b.id,
			"server":  ServerInfoToURL(server),
			"source":  server.Source,
		}

		conn, err := f.b.dial(ctx, server, &f.b.cfg)
		if err != nil {
			logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "connection_failed", with(fields, "error", err.Error()))
			errs = append(errs, err)
			continue
		}
		logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "connection_established", fields)

		if err := f.b.bindService(ctx, conn, server); err != nil {
			logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "bind_failed", with(fields, "error", err.Error()))
			_ = conn.Close()
			errs = append(errs, fmt.Errorf("service bind to %s: %w", server.Host, err))
			continue
		}
		logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "bind_success", fields)

		return &session{conn: conn, server: server}, nil
	}

	if len(errs) == 0 {
		return nil, errors.New("no LDAP servers configured")
	}
	return nil, errors.Join(errs...)
}

// Ping reads the root DSE.
func (f sessionFactory) Ping(ctx context.Context, s *session) error {
	if s.conn.IsClosing() {
		return errors.New("connection is closing")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, int(f.b.cfg.Timeout.Seconds()), false, "(objectClass=*)", []string{"1.1"}, nil)
	_, err := s.conn.Search(req)
	return err
}

func (f sessionFactory) Close(s *session) error {
	return s.conn.Close()
}

// bindService authenticates conn as the service account: GSSAPI when
// Kerberos is enabled, a simple bind with BindDN, anonymous otherwise.
func (b *Backend) bindService(ctx context.Context, conn Conn, server *ServerInfo) error {
	switch {
	case b.kerberos != nil:
		return b.kerberos.bind(ctx, conn, server)
	case b.cfg.BindDN != "":
		return conn.Bind(b.cfg.BindDN, b.cfg.BindPassword)
	default:
		return conn.UnauthenticatedBind("")
	}
}

func with(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	maps.Copy(out, fields)
	out[key] = value
	return out
}
