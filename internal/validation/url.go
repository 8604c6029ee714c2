package validation

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

const DefaultMaxURLLength = 2048

var (
	ErrEmptyURL       = errors.New("URL cannot be empty")
	ErrURLTooLong     = errors.New("URL too long")
	ErrUnsupportedURL = errors.New("URL must use http or https")
	ErrMissingHost    = errors.New("URL must have a hostname")
	ErrPrivateHost    = errors.New("local and private hosts are not permitted")
)

// SourceURLValidator checks and normalizes channel source URLs before they
// are stored. Two inputs that normalize to the same string name the same
// channel.
type SourceURLValidator struct {
	AllowPrivateHosts bool
	MaxLength         int
}

func NewSourceURLValidator(allowPrivateHosts bool) *SourceURLValidator {
	return &SourceURLValidator{
		AllowPrivateHosts: allowPrivateHosts,
		MaxLength:         DefaultMaxURLLength,
	}
}

// Normalize returns the canonical form of input: scheme defaulted to https,
// scheme and host lowercased, default ports and fragments dropped.
func (v *SourceURLValidator) Normalize(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyURL
	}
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return "", fmt.Errorf("%w (max %d characters)", ErrURLTooLong, v.MaxLength)
	}
	if strings.ContainsAny(input, "<>\"'` ") {
		return "", fmt.Errorf("URL contains invalid characters")
	}

	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrUnsupportedURL
	}
	if u.User != nil {
		return "", fmt.Errorf("credentials in URL are not permitted")
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", ErrMissingHost
	}
	if !v.AllowPrivateHosts && isPrivateHost(hostname) {
		return "", ErrPrivateHost
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(hostname, port)
	} else if strings.Contains(hostname, ":") {
		u.Host = "[" + hostname + "]"
	} else {
		u.Host = hostname
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

func isPrivateHost(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(hostname)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}
