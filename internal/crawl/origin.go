package crawl

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrNoHost is returned by Origin when an address parses but carries no host
// component.
var ErrNoHost = errors.New("address has no host")

// Origin extracts the host component of an address ("https://example.com:8080/x"
// yields "example.com"). It fails on addresses that cannot be parsed or have no
// host; callers skip origin tracking for those addresses but must not exclude
// them from dedup or traversal.
func Origin(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", ErrNoHost
	}
	return host, nil
}
