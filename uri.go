//go:build linux

package nbd

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is the IANA-registered NBD TCP port.
const DefaultPort = "10809"

// parsedURI is the outcome of dissecting an NBD URI (spec §6): which
// connect driver to use, its address, the export name, and any
// configuration carried in query parameters.
type parsedURI struct {
	transport  TransportKind
	tlsRequire bool

	host string
	port string
	cid  uint32

	exportName string
	socketPath string

	// Config overrides decoded from the query string through the same
	// mapstructure path as profile files (§10.2).
	overrides map[string]any
	localFile bool
}

// uriQueryFields maps query-parameter names onto Config fields.
// localFile marks parameters that name files on the client machine,
// which are rejected unless the caller opted in via URIAllowLocalFile.
var uriQueryFields = map[string]struct {
	field     string
	localFile bool
}{
	"tls-certificates": {"TLSCertificates", true},
	"tls-psk-file":     {"TLSPSKFile", true},
	"tls-username":     {"TLSUsername", false},
	"tls-verify-peer":  {"TLSVerifyPeer", false},
}

// parseURI validates and dissects uri against the allow-lists in cfg.
func parseURI(uri string, cfg Config) (*parsedURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "malformed URI: %v", err)
	}

	p := &parsedURI{overrides: make(map[string]any)}

	scheme, transportSuffix, _ := strings.Cut(u.Scheme, "+")
	switch scheme {
	case "nbd":
	case "nbds":
		p.tlsRequire = true
	default:
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "unknown URI scheme %q", u.Scheme)
	}

	switch transportSuffix {
	case "":
		p.transport = TransportTCP
	case "unix":
		p.transport = TransportUnix
	case "vsock":
		p.transport = TransportVSOCK
	default:
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "unknown URI transport %q", transportSuffix)
	}

	if cfg.URIAllowTransports&p.transport == 0 {
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", EPERM, "URI transport not allowed by uri_allow_transports")
	}
	if p.tlsRequire && cfg.URIAllowTLS == TriFalse {
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", EPERM, "TLS URI not allowed by uri_allow_tls")
	}

	p.exportName = strings.TrimPrefix(u.Path, "/")
	if len(p.exportName) > 4096 {
		return nil, newError(CategoryConfiguration, "nbd_connect_uri", ENAMETOOLONG, "export name exceeds 4096 bytes")
	}

	query := u.Query()
	p.socketPath = query.Get("socket")

	switch p.transport {
	case TransportTCP:
		p.host = u.Hostname()
		if p.host == "" {
			return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "TCP URI requires a host")
		}
		p.port = u.Port()
		if p.port == "" {
			p.port = DefaultPort
		}
	case TransportUnix:
		if p.socketPath == "" {
			return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "+unix URI requires a socket= query parameter")
		}
	case TransportVSOCK:
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "+vsock URI requires a numeric CID host")
		}
		p.cid = uint32(cid)
		p.port = u.Port()
		if p.port == "" {
			p.port = DefaultPort
		}
	}

	if user := u.User.Username(); user != "" {
		p.overrides["TLSUsername"] = user
	}

	for key, vals := range query {
		if key == "socket" || len(vals) == 0 {
			continue
		}
		spec, ok := uriQueryFields[key]
		if !ok {
			return nil, newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "unknown URI query parameter %q", key)
		}
		if spec.localFile {
			p.localFile = true
			if !cfg.URIAllowLocalFile {
				return nil, newError(CategoryConfiguration, "nbd_connect_uri", EPERM,
					"URI query parameter %q names a local file, which uri_allow_local_file forbids", key)
			}
		}
		p.overrides[spec.field] = vals[0]
	}

	return p, nil
}

// ConnectURI parses an nbd:// style URI, applies its configuration to
// the handle, and dispatches to the matching connect driver.
func (h *Handle) ConnectURI(uri string) error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	p, err := parseURI(uri, cfg)
	if err != nil {
		return h.setErr(err)
	}

	cfg.ExportName = p.exportName
	if p.tlsRequire {
		cfg.TLS = TLSRequire
	}
	if len(p.overrides) > 0 {
		cfg, err = decodeConfigMap(cfg, p.overrides)
		if err != nil {
			return h.setErr(wrapError(CategoryConfiguration, "nbd_connect_uri", EINVAL, err))
		}
	}
	if err := h.Configure(cfg); err != nil {
		return h.setErr(err)
	}

	switch p.transport {
	case TransportUnix:
		return h.ConnectUnix(p.socketPath)
	case TransportVSOCK:
		port, err := strconv.ParseUint(p.port, 10, 32)
		if err != nil {
			return h.setErr(newError(CategoryConfiguration, "nbd_connect_uri", EINVAL, "invalid vsock port %q", p.port))
		}
		return h.ConnectVsock(p.cid, uint32(port))
	default:
		return h.ConnectTCP(p.host, p.port)
	}
}
