// Package natsio implements the NATS protocol driver for telemetry
// ingestion. Subjects play the role MQTT topics do: the driver subscribes to
// one or more subjects, optionally as part of a queue group, and derives a
// fallback asset code from the subject tokens.
package natsio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/pkg/buffer"
)

// Config holds NATS driver settings.
type Config struct {
	URL            string        `yaml:"url"`
	Subjects       []string      `yaml:"subjects"`
	QueueGroup     string        `yaml:"queue_group"`
	Name           string        `yaml:"connection_name"`
	Token          string        `yaml:"token"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueueSize      int           `yaml:"queue_size"`
}

// Validate checks the configuration, returning all findings at once.
func (c Config) Validate() config.Issues {
	var issues config.Issues
	if c.URL == "" {
		issues.Errorf("url", "server URL is required")
	}
	if len(c.Subjects) == 0 {
		issues.Errorf("subjects", "at least one subject is required")
	}
	for i, s := range c.Subjects {
		if s == "" {
			issues.Errorf(fmt.Sprintf("subjects[%d]", i), "subject must not be empty")
		}
	}
	if c.Token != "" && c.Username != "" {
		issues.Errorf("token", "token and user credentials are mutually exclusive")
	}
	return issues
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 5000
	}
	return c
}

type rawMessage struct {
	subject string
	payload []byte
}

// Driver is the NATS protocol driver.
type Driver struct {
	name   string
	config Config
	source string

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription

	queue *buffer.Queue[rawMessage]
	lost  chan error
}

// New creates a NATS driver.
func New(name string, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		name:   name,
		config: cfg,
		source: fmt.Sprintf("nats:%s", name),
		queue:  buffer.New[rawMessage](cfg.QueueSize, buffer.DropOldest),
		lost:   make(chan error, 1),
	}
}

// Protocol returns "nats".
func (d *Driver) Protocol() string { return "nats" }

// ValidateConfig implements the driver contract.
func (d *Driver) ValidateConfig() config.Issues { return d.config.Validate() }

// Connect dials the server and subscribes. Client-library reconnection is
// disabled; the adapter runner owns the reconnect cycle.
func (d *Driver) Connect(_ context.Context) error {
	opts := []nats.Option{
		nats.Timeout(d.config.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			select {
			case d.lost <- errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"natsio", "disconnect", "server session"):
			default:
			}
		}),
	}
	if d.config.Name != "" {
		opts = append(opts, nats.Name(d.config.Name))
	}
	if d.config.Token != "" {
		opts = append(opts, nats.Token(d.config.Token))
	} else if d.config.Username != "" {
		opts = append(opts, nats.UserInfo(d.config.Username, d.config.Password))
	}

	conn, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			"natsio", "Connect", "server dial")
	}

	subs := make([]*nats.Subscription, 0, len(d.config.Subjects))
	for _, subject := range d.config.Subjects {
		var sub *nats.Subscription
		var subErr error
		if d.config.QueueGroup != "" {
			sub, subErr = conn.QueueSubscribe(subject, d.config.QueueGroup, d.handleMessage)
		} else {
			sub, subErr = conn.Subscribe(subject, d.handleMessage)
		}
		if subErr != nil {
			conn.Close()
			return errors.WrapTransient(
				fmt.Errorf("subscribe to %q: %w", subject, subErr),
				"natsio", "Connect", "subject subscription")
		}
		subs = append(subs, sub)
	}

	select {
	case <-d.lost:
	default:
	}

	d.mu.Lock()
	d.conn = conn
	d.subs = subs
	d.mu.Unlock()
	return nil
}

func (d *Driver) handleMessage(msg *nats.Msg) {
	_ = d.queue.Put(rawMessage{subject: msg.Subject, payload: msg.Data})
}

// Next returns the next decoded data point.
func (d *Driver) Next(ctx context.Context) (*datapoint.DataPoint, error) {
	for {
		select {
		case err := <-d.lost:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := d.queue.Get(ctx, 100*time.Millisecond)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}

		dp, err := datapoint.Decode(msg.payload, d.source, assetFromSubject(msg.subject))
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("subject %s: %w", msg.subject, err),
				"natsio", "Next", "payload decoding")
		}
		return dp, nil
	}
}

// Disconnect drains the subscriptions and closes the connection.
func (d *Driver) Disconnect(_ context.Context) error {
	d.mu.Lock()
	conn := d.conn
	subs := d.subs
	d.conn = nil
	d.subs = nil
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}
	return nil
}

var genericTokens = map[string]struct{}{
	"data": {}, "raw": {}, "json": {}, "telemetry": {}, "up": {}, "msg": {},
}

// assetFromSubject derives a fallback asset code from the subject tokens,
// mirroring the MQTT topic heuristic with dot separators.
func assetFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	for i := len(tokens) - 1; i >= 0; i-- {
		token := tokens[i]
		if token == "" {
			continue
		}
		if _, generic := genericTokens[strings.ToLower(token)]; generic {
			continue
		}
		return token
	}
	return ""
}
