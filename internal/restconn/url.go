package restconn

import (
	"fmt"
	"strings"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
)

// ConnectionType names a REST transport protocol and whether it is secure.
type ConnectionType struct {
	Protocol string
	Secure   bool
}

// supportedConnTypes is the two-entry protocol table from spec.md §3:
// {"http" -> insecure, "https" -> secure}. Any protocol outside this table
// fails with ErrUnsupportedProtocol.
var supportedConnTypes = map[string]ConnectionType{
	"http":  {Protocol: "http", Secure: false},
	"https": {Protocol: "https", Secure: true},
}

// ParsedURL is the result of parsing a KMS endpoint URL, per spec.md §3/§4.1.
type ParsedURL struct {
	ConnType ConnectionType
	Host     string
	Service  string
	Resource string
	Query    string
	Body     string
}

// ParseURL splits a KMS endpoint URL of the form
// <protocol>://<host>[:<service>]/<resource>[?<query>] into its parts.
//
// insecureAllowed stands in for the rest_kms_enable_not_secure_connection
// knob: when false, a resolved insecure ConnectionType fails the parse.
//
// Any internal structural failure collapses to ErrInvalidURI so the parser
// never leaks where exactly the string stopped making sense; only an
// unrecognized or disallowed protocol is reported distinctly, as
// ErrUnsupportedProtocol.
func ParseURL(raw string, insecureAllowed bool) (*ParsedURL, error) {
	protocol, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("restconn: %q: %w", raw, ekperrors.ErrInvalidURI)
	}
	protocol = strings.ToLower(protocol)

	connType, ok := supportedConnTypes[protocol]
	if !ok {
		return nil, fmt.Errorf("restconn: unsupported protocol %q: %w", protocol, ekperrors.ErrUnsupportedProtocol)
	}
	if !connType.Secure && !insecureAllowed {
		return nil, fmt.Errorf("restconn: insecure protocol %q not permitted: %w", protocol, ekperrors.ErrUnsupportedProtocol)
	}

	hostPort, resource, query, err := splitHostResourceQuery(rest)
	if err != nil {
		return nil, err
	}

	host, service, err := splitHostService(hostPort)
	if err != nil {
		return nil, err
	}

	return &ParsedURL{
		ConnType: connType,
		Host:     host,
		Service:  service,
		Resource: resource,
		Query:    query,
	}, nil
}

// splitHostResourceQuery implements spec.md §4.1 step 3: split the
// remainder on the first occurrence of '/' or '?'. If '/' matched, the
// tail splits again on '?' into resource and query. If '?' matched first,
// resource is empty and the tail is the query. If neither matched, the
// whole remainder is host+port.
func splitHostResourceQuery(rest string) (hostPort, resource, query string, err error) {
	idx := strings.IndexAny(rest, "/?")
	if idx < 0 {
		return rest, "", "", nil
	}

	hostPort = rest[:idx]
	sep := rest[idx]
	tail := rest[idx+1:]

	if sep == '/' {
		resource, query, _ = strings.Cut(tail, "?")
		return hostPort, resource, query, nil
	}

	// sep == '?': resource is empty, tail is the query.
	return hostPort, "", tail, nil
}

// splitHostService implements spec.md §4.1 step 4: split host+port on the
// first ':'. An empty host fails with ErrInvalidURI; the text after the
// colon, if any, is returned verbatim as the service (no numeric
// validation is performed).
func splitHostService(hostPort string) (host, service string, err error) {
	host, service, _ = strings.Cut(hostPort, ":")
	if host == "" {
		return "", "", fmt.Errorf("restconn: empty host: %w", ekperrors.ErrInvalidURI)
	}
	return host, service, nil
}
