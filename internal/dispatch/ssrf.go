package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// vetWebhookURL validates a webhook destination and resolves it to the
// concrete addresses a delivery may connect to. Loopback, private,
// link-local, multicast, and unspecified addresses are refused unless the
// tenant is flagged for private hooks.
func vetWebhookURL(rawURL string, allowPrivate bool) (*url.URL, []netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, errors.Newf(errors.KindValidationFailed, "invalid webhook url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, errors.Newf(errors.KindValidationFailed, "webhook scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, nil, errors.New(errors.KindValidationFailed, "webhook url has no host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, nil, errors.Newf(errors.KindUpstreamPermanent, "webhook host %s does not resolve", host)
	}
	var allowed []netip.Addr
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !allowPrivate && isInternalAddr(addr) {
			continue
		}
		allowed = append(allowed, addr)
	}
	if len(allowed) == 0 {
		return nil, nil, errors.Newf(errors.KindForbidden, "webhook host %s resolves only to internal addresses", host)
	}
	return u, allowed, nil
}

func isInternalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// pinnedTransport dials only the pre-vetted addresses, ignoring whatever
// the hostname resolves to at connect time. A DNS answer that changes
// between vetting and dialing cannot redirect the request.
func pinnedTransport(allowed []netip.Addr) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			var lastErr error
			for _, addr := range allowed {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no pinned address for %s", address)
			}
			return nil, lastErr
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
