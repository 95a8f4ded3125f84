package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rb3ckers/trafficfunnel/internal/fingerprint"
)

// ErrInvalidDescription rejects a malformed request shape before any
// in-flight entry is created. It is returned synchronously to the single
// caller that supplied the bad description.
var ErrInvalidDescription = errors.New("fetch: invalid description")

// Description is one upstream request: what to call and the dimensions that
// identify it for coalescing. Only allow-listed headers affect the
// fingerprint, the rest are forwarded untouched.
type Description struct {
	Target  string
	Method  string // defaults to GET
	Payload []byte
	Header  http.Header
}

func (d Description) method() string {
	if d.Method == "" {
		return http.MethodGet
	}

	return strings.ToUpper(d.Method)
}

func (d Description) parse() (*url.URL, error) {
	if d.Target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidDescription)
	}

	u, err := url.Parse(d.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDescription, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidDescription, d.Target)
	}

	return u, nil
}

// Fingerprint is the coalescing key for this description.
func (d Description) Fingerprint() string {
	return fingerprint.Derive(d.method(), d.Target, d.Payload, d.Header)
}
