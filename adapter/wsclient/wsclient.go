// Package wsclient implements a WebSocket client protocol driver for
// telemetry sources that push readings over a persistent socket.
//
// The driver dials the endpoint, optionally sends a subscribe message, and
// reads JSON frames. Reads use short deadlines so the adapter's ingest loop
// stays responsive to cancellation without a separate reader goroutine.
package wsclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/errors"
)

// Config holds WebSocket client driver settings.
type Config struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	Username         string            `yaml:"username"`
	Password         string            `yaml:"password"`
	Token            string            `yaml:"token"`
	SubscribeMessage string            `yaml:"subscribe_message"`
	AssetCode        string            `yaml:"asset_code"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	PingInterval     time.Duration     `yaml:"ping_interval"`
	VerifySSL        *bool             `yaml:"verify_ssl"`
}

// Validate checks the configuration, returning all findings at once.
func (c Config) Validate() config.Issues {
	var issues config.Issues
	if c.URL == "" {
		issues.Errorf("url", "endpoint URL is required")
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		issues.Errorf("url", "must be a ws:// or wss:// URL, got %q", c.URL)
	}
	if c.Token != "" && c.Username != "" {
		issues.Errorf("token", "basic and bearer auth are mutually exclusive")
	}
	if c.VerifySSL != nil && !*c.VerifySSL {
		issues.Warnf("verify_ssl", "TLS certificate verification is disabled")
	}
	return issues
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Driver is the WebSocket client protocol driver.
type Driver struct {
	name   string
	config Config
	source string

	mu       sync.Mutex
	conn     *websocket.Conn
	lastPing time.Time
}

// New creates a WebSocket client driver.
func New(name string, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		name:   name,
		config: cfg,
		source: fmt.Sprintf("websocket:%s", name),
	}
}

// Protocol returns "websocket".
func (d *Driver) Protocol() string { return "websocket" }

// ValidateConfig implements the driver contract.
func (d *Driver) ValidateConfig() config.Issues { return d.config.Validate() }

// Connect dials the endpoint and sends the subscribe message, if configured.
func (d *Driver) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.config.HandshakeTimeout,
	}
	if d.config.VerifySSL != nil && !*d.config.VerifySSL {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	header := http.Header{}
	for k, v := range d.config.Headers {
		header.Set(k, v)
	}
	if d.config.Token != "" {
		header.Set("Authorization", "Bearer "+d.config.Token)
	} else if d.config.Username != "" {
		cred := base64.StdEncoding.EncodeToString(
			[]byte(d.config.Username + ":" + d.config.Password))
		header.Set("Authorization", "Basic "+cred)
	}

	conn, resp, err := dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errors.WrapFatal(
				fmt.Errorf("endpoint returned %d, check credentials", resp.StatusCode),
				"wsclient", "Connect", "authentication")
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			"wsclient", "Connect", "endpoint dial")
	}

	if d.config.SubscribeMessage != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(d.config.SubscribeMessage)); err != nil {
			_ = conn.Close()
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
				"wsclient", "Connect", "subscribe message")
		}
	}

	d.mu.Lock()
	d.conn = conn
	d.lastPing = time.Now()
	d.mu.Unlock()
	return nil
}

// Next reads the next frame and decodes it. Read deadlines are kept short
// so cancellation is observed promptly; keepalive pings go out between
// reads.
func (d *Driver) Next(ctx context.Context) (*datapoint.DataPoint, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, errors.WrapTransient(errors.ErrConnectionLost,
			"wsclient", "Next", "connection check")
	}

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.maybePing(conn)

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, errors.ErrStreamClosed
			}
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"wsclient", "Next", "frame read")
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		dp, err := datapoint.Decode(payload, d.source, d.config.AssetCode)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("frame from %s: %w", redact(d.config.URL), err),
				"wsclient", "Next", "payload decoding")
		}
		return dp, nil
	}
}

func (d *Driver) maybePing(conn *websocket.Conn) {
	d.mu.Lock()
	due := time.Since(d.lastPing) >= d.config.PingInterval
	if due {
		d.lastPing = time.Now()
	}
	d.mu.Unlock()
	if due {
		deadline := time.Now().Add(5 * time.Second)
		_ = conn.WriteControl(websocket.PingMessage, nil, deadline)
	}
}

// Disconnect sends a close frame and closes the socket. Safe in any state.
func (d *Driver) Disconnect(_ context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// redact strips userinfo and query from a URL before it lands in an error.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "endpoint"
	}
	u.User = nil
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "?")
}
