package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"

	"github.com/droidbay/droidbay/pkg/licensing"
)

const (
	// DefaultServerURL is the hosted license endpoint.
	DefaultServerURL = "https://api.droidbay.app/v1/license"

	requestTimeout     = 30 * time.Second
	dnsRefreshInterval = 5 * time.Minute

	// Server responses carry the server clock; responses outside this
	// window are replays or badly skewed and must not drive entitlement
	// decisions. The window is asymmetric: accepting an old capture is
	// worse than tolerating client clock drift.
	timestampPastTolerance   = 5 * time.Minute
	timestampFutureTolerance = 10 * time.Minute
)

var (
	// ErrServerUnreachable covers transport failures, non-2xx statuses,
	// and undecodable bodies. None of these say anything about the
	// license itself.
	ErrServerUnreachable = errors.New("license server unreachable")

	// ErrStaleResponse marks a decodable response whose server timestamp
	// is outside tolerance. Treated like unreachable by callers, counted
	// separately in metrics.
	ErrStaleResponse = errors.New("license server response outside clock tolerance")
)

// RejectionError is an authoritative server rejection with the server's
// error code and remediation hint.
type RejectionError struct {
	Code string
	Hint string
}

func (e *RejectionError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("license rejected: %s (%s)", e.Code, e.Hint)
	}
	return fmt.Sprintf("license rejected: %s", e.Code)
}

// Client talks to the vendor license endpoint. One endpoint serves all
// three actions, selected by query parameter.
type Client struct {
	endpoint   *url.URL
	appVersion string
	httpClient *http.Client
	resolver   *dnscache.Resolver

	stop      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewClient creates a license client for the given endpoint. An empty URL
// selects the default hosted endpoint. The transport resolves DNS through
// a refreshing cache: desktop machines sit behind slow or flaky resolvers,
// and a resolution hiccup must not present as a license problem.
func NewClient(serverURL, appVersion string) (*Client, error) {
	if strings.TrimSpace(serverURL) == "" {
		serverURL = DefaultServerURL
	}
	endpoint, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse license server URL: %w", err)
	}

	c := &Client{
		endpoint:   endpoint,
		appVersion: appVersion,
		resolver:   &dnscache.Resolver{},
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	c.httpClient = &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext:         c.dialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	go c.refreshDNS()
	return c, nil
}

// Activate binds the key to this device and returns the server's verdict.
func (c *Client) Activate(ctx context.Context, key, fingerprint string) (*licensing.ValidationResponse, error) {
	return c.do(ctx, licensing.ActionActivate, key, fingerprint)
}

// Validate re-checks an already-activated key.
func (c *Client) Validate(ctx context.Context, key, fingerprint string) (*licensing.ValidationResponse, error) {
	return c.do(ctx, licensing.ActionValidate, key, fingerprint)
}

// Deactivate releases this device's activation slot.
func (c *Client) Deactivate(ctx context.Context, key, fingerprint string) (*licensing.ValidationResponse, error) {
	return c.do(ctx, licensing.ActionDeactivate, key, fingerprint)
}

func (c *Client) do(ctx context.Context, action, key, fingerprint string) (*licensing.ValidationResponse, error) {
	body, err := json.Marshal(licensing.ValidationRequest{
		LicenseKey:        key,
		DeviceFingerprint: fingerprint,
		AppVersion:        c.appVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal validation request: %w", err)
	}

	reqURL := *c.endpoint
	query := reqURL.Query()
	query.Set("action", action)
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "droidbay/"+c.appVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrServerUnreachable, resp.StatusCode)
	}

	var vr licensing.ValidationResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrServerUnreachable, err)
	}

	if err := c.checkTimestamp(vr); err != nil {
		return nil, err
	}
	return &vr, nil
}

// checkTimestamp enforces the freshness window on the server clock. A
// missing or unparseable timestamp fails the same way: freshness that
// cannot be proven does not exist.
func (c *Client) checkTimestamp(vr licensing.ValidationResponse) error {
	ts, ok := vr.TimestampTime()
	if !ok {
		return fmt.Errorf("%w: missing server timestamp", ErrStaleResponse)
	}
	now := c.now()
	if age := now.Sub(ts); age > timestampPastTolerance {
		return fmt.Errorf("%w: response is %s old", ErrStaleResponse, age.Round(time.Second))
	}
	if ahead := ts.Sub(now); ahead > timestampFutureTolerance {
		return fmt.Errorf("%w: response is %s in the future", ErrStaleResponse, ahead.Round(time.Second))
	}
	return nil
}

// IsOfflineError reports whether the error means the server could not be
// consulted (transport failure or stale response). Offline errors keep
// the cached entitlement; everything else is a real verdict or a bug.
func IsOfflineError(err error) bool {
	return errors.Is(err, ErrServerUnreachable) || errors.Is(err, ErrStaleResponse)
}

// dialContext resolves through the cached resolver and dials the first
// returned address.
func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// refreshDNS re-resolves cached entries periodically so a server failover
// is picked up between validations.
func (c *Client) refreshDNS() {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.resolver.Refresh(true)
		case <-c.stop:
			return
		}
	}
}

// Close stops the DNS refresh loop and releases idle connections. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.httpClient.CloseIdleConnections()
	})
}
