// Package httppoll implements a polling HTTP protocol driver.
//
// The driver periodically fetches a JSON endpoint, optionally descends into
// the response along a dotted data path, and yields one data point per
// record found there. Endpoints that wrap their readings in envelopes
// ("data.items") and endpoints that return a bare object or array are both
// supported.
package httppoll

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/errors"
)

// Auth selects the request authentication mode.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// Config holds HTTP polling driver settings.
type Config struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	Params         map[string]string `yaml:"params"`
	Body           string            `yaml:"body"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	Timeout        time.Duration     `yaml:"timeout"`
	RetryCount     int               `yaml:"retry_count"`
	RetryDelay     time.Duration     `yaml:"retry_delay"`
	Headers        map[string]string `yaml:"headers"`
	Auth           Auth              `yaml:"auth"`
	VerifySSL      *bool             `yaml:"verify_ssl"`
	ResponseFormat string            `yaml:"response_format"`
	DataPath       string            `yaml:"data_path"`
	AssetCode      string            `yaml:"asset_code"`
	RateLimit      float64           `yaml:"rate_limit"`
}

// Validate checks the configuration, returning all findings at once.
func (c Config) Validate() config.Issues {
	var issues config.Issues
	if c.URL == "" {
		issues.Errorf("url", "endpoint URL is required")
	} else if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		issues.Errorf("url", "must be an absolute http(s) URL, got %q", c.URL)
	}
	switch strings.ToUpper(c.Method) {
	case "", http.MethodGet, http.MethodPost:
	default:
		issues.Errorf("method", "unsupported method %q", c.Method)
	}
	if c.PollInterval < 0 {
		issues.Errorf("poll_interval", "must not be negative")
	}
	if c.RetryCount < 0 {
		issues.Errorf("retry_count", "must not be negative")
	}
	if c.RetryDelay < 0 {
		issues.Errorf("retry_delay", "must not be negative")
	}
	switch strings.ToLower(c.ResponseFormat) {
	case "", "json":
	default:
		issues.Errorf("response_format", "unsupported format %q, only json is supported", c.ResponseFormat)
	}
	if c.Auth.Token != "" && c.Auth.Username != "" {
		issues.Errorf("auth", "basic and bearer auth are mutually exclusive")
	}
	if c.RateLimit < 0 {
		issues.Errorf("rate_limit", "must not be negative")
	}
	if c.VerifySSL != nil && !*c.VerifySSL {
		issues.Warnf("verify_ssl", "TLS certificate verification is disabled")
	}
	return issues
}

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	c.Method = strings.ToUpper(c.Method)
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Driver is the polling HTTP protocol driver.
type Driver struct {
	name   string
	config Config
	source string

	client  *http.Client
	limiter *rate.Limiter

	// pending holds records from the last response that have not been
	// yielded yet; they are decoded one per Next call so a malformed record
	// fails alone.
	pending  []map[string]any
	lastPoll time.Time
}

// New creates an HTTP polling driver.
func New(name string, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		name:   name,
		config: cfg,
		source: fmt.Sprintf("http:%s", name),
	}
}

// Protocol returns "http".
func (d *Driver) Protocol() string { return "http" }

// ValidateConfig implements the driver contract.
func (d *Driver) ValidateConfig() config.Issues { return d.config.Validate() }

// Connect builds the HTTP client and performs one probe poll so that an
// unreachable endpoint is caught by the runner's connect retry budget
// instead of looping forever.
func (d *Driver) Connect(ctx context.Context) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if d.config.VerifySSL != nil && !*d.config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	d.client = &http.Client{
		Timeout:   d.config.Timeout,
		Transport: transport,
	}
	if d.config.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(d.config.RateLimit), 1)
	}

	records, err := d.fetch(ctx)
	if err != nil {
		return err
	}
	d.pending = records
	d.lastPoll = time.Now()
	return nil
}

// Next yields pending records first, then waits out the poll interval and
// fetches again. A failed poll is retried RetryCount times within the same
// tick; when every attempt fails the tick is surrendered and the failure
// reported as ErrPollFailed, leaving the next tick to try afresh.
func (d *Driver) Next(ctx context.Context) (*datapoint.DataPoint, error) {
	for {
		if len(d.pending) > 0 {
			record := d.pending[0]
			d.pending = d.pending[1:]
			dp, err := datapoint.FromPayload(record, d.source, d.config.AssetCode)
			if err != nil {
				return nil, errors.WrapInvalid(
					fmt.Errorf("record from %s: %w", d.config.URL, err),
					"httppoll", "Next", "record decoding")
			}
			return dp, nil
		}

		if err := d.waitForTick(ctx); err != nil {
			return nil, err
		}

		records, err := d.poll(ctx)
		d.lastPoll = time.Now()
		if err != nil {
			return nil, err
		}
		d.pending = records
		// An empty response is a normal poll outcome; wait for the next tick.
	}
}

// poll runs one tick: the fetch plus up to RetryCount in-tick retries with a
// fixed delay. Only transient failures are retried; auth and parse failures
// surface immediately.
func (d *Driver) poll(ctx context.Context) ([]map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= d.config.RetryCount; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(d.config.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			timer.Stop()
		}

		records, err := d.fetch(ctx)
		if err == nil {
			return records, nil
		}
		if !errors.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.WrapTransient(
		fmt.Errorf("%w: %d attempts: %v", errors.ErrPollFailed, d.config.RetryCount+1, lastErr),
		"httppoll", "poll", "tick surrendered")
}

func (d *Driver) waitForTick(ctx context.Context) error {
	wait := time.Until(d.lastPoll.Add(d.config.PollInterval))
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fetch performs one request and extracts the record list.
func (d *Driver) fetch(ctx context.Context) ([]map[string]any, error) {
	endpoint := d.config.URL
	if len(d.config.Params) > 0 {
		u, err := url.Parse(d.config.URL)
		if err != nil {
			return nil, errors.WrapInvalid(err, "httppoll", "fetch", "parse URL")
		}
		q := u.Query()
		for k, v := range d.config.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	var body io.Reader
	if d.config.Body != "" {
		body = strings.NewReader(d.config.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.config.Method, endpoint, body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "httppoll", "fetch", "build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range d.config.Headers {
		req.Header.Set(k, v)
	}
	if d.config.Auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.Auth.Token)
	} else if d.config.Auth.Username != "" {
		req.SetBasicAuth(d.config.Auth.Username, d.config.Auth.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			"httppoll", "fetch", "endpoint request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "httppoll", "fetch", "read response body")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.WrapFatal(
			fmt.Errorf("endpoint returned %d, check credentials", resp.StatusCode),
			"httppoll", "fetch", "authentication")
	default:
		return nil, errors.WrapTransient(
			fmt.Errorf("endpoint returned %d", resp.StatusCode),
			"httppoll", "fetch", "status check")
	}

	var doc any
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"httppoll", "fetch", "response parsing")
	}

	node, err := descend(doc, d.config.DataPath)
	if err != nil {
		return nil, err
	}
	return asRecords(node)
}

// descend walks a dotted path through the decoded document. Path steps are
// object keys, or array indexes when the step parses as an integer.
func descend(doc any, path string) (any, error) {
	if path == "" {
		return doc, nil
	}
	node := doc
	for _, step := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[step]
			if !ok {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: data path step %q not found", errors.ErrMalformedPayload, step),
					"httppoll", "descend", "data path traversal")
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(step)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: data path step %q does not index array of %d", errors.ErrMalformedPayload, step, len(v)),
					"httppoll", "descend", "data path traversal")
			}
			node = v[idx]
		default:
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: data path step %q into scalar", errors.ErrMalformedPayload, step),
				"httppoll", "descend", "data path traversal")
		}
	}
	return node, nil
}

func asRecords(node any) ([]map[string]any, error) {
	switch v := node.(type) {
	case []any:
		records := make([]map[string]any, 0, len(v))
		for _, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: array element is not an object", errors.ErrMalformedPayload),
					"httppoll", "asRecords", "record extraction")
			}
			records = append(records, record)
		}
		return records, nil
	case map[string]any:
		return []map[string]any{v}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: expected object or array of objects", errors.ErrMalformedPayload),
			"httppoll", "asRecords", "record extraction")
	}
}

// Disconnect releases the HTTP client. Safe to call in any state.
func (d *Driver) Disconnect(_ context.Context) error {
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
	d.pending = nil
	return nil
}
