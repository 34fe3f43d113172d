package urlcheck

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// MaxURLLength caps candidate strings accepted for evaluation.
const MaxURLLength = 4096

var (
	// ErrInvalidURL is returned when a string cannot be parsed into a candidate.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRejected is returned for input that is well-formed but never evaluated
	// (mailto links, literal whitespace, oversized strings).
	ErrRejected = errors.New("rejected url")
)

var (
	emailShape   = regexp.MustCompile(`(?i)^[^\s@/:?#]+@[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*\.[a-z]{2,}$`)
	asciiHost    = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?(\.[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?)*$`)
	schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// Candidate is a normalized URL under evaluation. It is only constructed by Normalize.
type Candidate struct {
	Raw           string `json:"raw"`
	NormalizedURL string `json:"normalizedUrl"`
	Hostname      string `json:"hostname"`
	ASCIIHostname string `json:"asciiHostname,omitempty"`
	Scheme        string `json:"scheme"`
	Port          string `json:"port,omitempty"`
	Path          string `json:"path,omitempty"`
	RawQuery      string `json:"rawQuery,omitempty"`
	HasUserInfo   bool   `json:"hasUserInfo,omitempty"`
	EmailPattern  bool   `json:"emailPattern,omitempty"`
}

// IsWeb reports whether the candidate points at an http(s) resource.
func (c Candidate) IsWeb() bool {
	return c.Scheme == "http" || c.Scheme == "https"
}

// IsInternal reports whether the candidate never leaves the local machine or is not a
// web resource at all.
func (c Candidate) IsInternal() bool {
	if !c.IsWeb() {
		return true
	}
	h := c.Hostname
	for _, ih := range internalHosts {
		if h == ih {
			return true
		}
	}
	return strings.HasSuffix(h, ".localhost") || strings.HasSuffix(h, ".local")
}

// Normalize turns a raw string into a Candidate. It fails closed: any input that cannot
// be parsed yields an error and no candidate.
func Normalize(raw string) (Candidate, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Candidate{}, fmt.Errorf("%w: empty", ErrRejected)
	}
	if len(s) > MaxURLLength {
		return Candidate{}, fmt.Errorf("%w: longer than %d bytes", ErrRejected, MaxURLLength)
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "mailto:") {
		return Candidate{}, fmt.Errorf("%w: mailto link", ErrRejected)
	}
	if hasSpace(s) {
		return Candidate{}, fmt.Errorf("%w: embedded whitespace", ErrRejected)
	}

	if scheme, ok := leadingScheme(lower); ok && isNonWebScheme(scheme) {
		return Candidate{Raw: raw, NormalizedURL: s, Scheme: scheme}, nil
	}

	c := Candidate{Raw: raw}
	switch {
	case strings.Contains(lower, "://"):
	case emailShape.MatchString(s):
		c.EmailPattern = true
		s = "https://" + s
	case looksLikeBareDomain(lower):
		s = "https://" + s
	default:
		return Candidate{}, fmt.Errorf("%w: no scheme and not a domain", ErrInvalidURL)
	}

	u, err := url.Parse(s)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c.Scheme = strings.ToLower(u.Scheme)
	if !c.IsWeb() {
		c.NormalizedURL = s
		c.Hostname = strings.ToLower(u.Hostname())
		return c, nil
	}

	host := strings.TrimRight(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return Candidate{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	// Escaped whitespace is ordinary in paths and queries; only the host is checked.
	if hasSpace(host) {
		return Candidate{}, fmt.Errorf("%w: whitespace in host", ErrRejected)
	}
	ascii, err := toASCIIHost(host)
	if err != nil {
		return Candidate{}, err
	}

	c.Hostname = host
	c.ASCIIHostname = ascii
	c.Port = u.Port()
	c.Path = u.EscapedPath()
	c.RawQuery = u.RawQuery
	c.HasUserInfo = u.User != nil

	hostPort := ascii
	if strings.Contains(ascii, ":") {
		hostPort = "[" + ascii + "]"
	}
	if c.Port != "" {
		hostPort = net.JoinHostPort(ascii, c.Port)
	}
	out := url.URL{Scheme: c.Scheme, User: u.User, Host: hostPort, RawPath: u.RawPath, Path: u.Path, RawQuery: u.RawQuery}
	if out.Path == "" {
		out.Path = "/"
	}
	c.NormalizedURL = out.String()
	return c, nil
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func leadingScheme(lower string) (string, bool) {
	m := schemePrefix.FindString(lower)
	if m == "" {
		return "", false
	}
	return strings.TrimSuffix(m, ":"), true
}

func isNonWebScheme(scheme string) bool {
	for _, s := range nonWebSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// looksLikeBareDomain accepts "example.com", "www.example.com/path" and "host:8080/x".
func looksLikeBareDomain(lower string) bool {
	host := lower
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if !strings.Contains(host, ".") || strings.HasPrefix(host, ".") {
		return false
	}
	if !utf8.ValidString(host) {
		return false
	}
	for _, r := range host {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return asciiHost.MatchString(host)
}

// toASCIIHost validates a hostname and returns its ASCII (punycode) form.
func toASCIIHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	nonASCII := false
	for _, r := range host {
		if r > unicode.MaxASCII {
			nonASCII = true
			break
		}
	}
	if !nonASCII && !strings.Contains(host, "xn--") {
		if !asciiHost.MatchString(host) {
			return "", fmt.Errorf("%w: malformed host %q", ErrInvalidURL, host)
		}
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidURL, host, err)
	}
	return ascii, nil
}
