package httppoll

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/errors"
)

func TestConfigValidate(t *testing.T) {
	issues := Config{}.Validate()
	assert.True(t, issues.HasErrors())

	issues = Config{URL: "not a url"}.Validate()
	assert.True(t, issues.HasErrors())

	issues = Config{URL: "https://gw.local/api", Method: "DELETE"}.Validate()
	assert.True(t, issues.HasErrors())

	issues = Config{
		URL:  "https://gw.local/api",
		Auth: Auth{Username: "u", Token: "t"},
	}.Validate()
	assert.True(t, issues.HasErrors())

	off := false
	issues = Config{URL: "https://gw.local/api", VerifySSL: &off}.Validate()
	assert.False(t, issues.HasErrors())
	assert.NotEmpty(t, issues) // warning only
}

func TestPollEnvelopePath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": {
				"items": [
					{"device_id": "A1", "ts": 1700000000000, "temperature": 71.0},
					{"device_id": "A2", "ts": 1700000001000, "temperature": 69.5}
				]
			}
		}`))
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:          server.URL,
		DataPath:     "data.items",
		PollInterval: 10 * time.Millisecond,
	})
	require.False(t, d.ValidateConfig().HasErrors())
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", first.AssetCode)
	assert.Equal(t, 71.0, first.Signals["temperature"])
	assert.Equal(t, "http:gateway", first.Source)

	second, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", second.AssetCode)
}

func TestPollRecordIDAsAssetCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"items":[{"id":"B2","ts":1700000000,"value":42}]}}`))
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:          server.URL,
		DataPath:     "data.items",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dp, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B2", dp.AssetCode)
	assert.Equal(t, map[string]any{"value": 42.0}, dp.Signals)
	assert.Equal(t, int64(1700000000), dp.Timestamp.Unix())
}

func TestPollRetriesWithinTick(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 2, 3:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"device_id": "A1", "v": 1}`))
		}
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:          server.URL,
		PollInterval: 10 * time.Millisecond,
		RetryCount:   2,
		RetryDelay:   time.Millisecond,
	})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Next(ctx) // from the connect probe
	require.NoError(t, err)
	dp, err := d.Next(ctx) // poll fails twice, third in-tick attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, "A1", dp.AssetCode)
	assert.Equal(t, int64(4), calls.Load())
}

func TestPollSurrendersTickAfterRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"device_id": "A1", "v": 1}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:          server.URL,
		PollInterval: 10 * time.Millisecond,
		RetryCount:   1,
		RetryDelay:   time.Millisecond,
	})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Next(ctx) // probe record
	require.NoError(t, err)
	_, err = d.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPollFailed))
	assert.Equal(t, int64(3), calls.Load()) // probe + the tick's two attempts
}

func TestPollParamsAndBody(t *testing.T) {
	var gotQuery, gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("site"))
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		_, _ = w.Write([]byte(`{"device_id": "A1", "v": 1}`))
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:    server.URL,
		Method: "POST",
		Params: map[string]string{"site": "7"},
		Body:   `{"window": "5m"}`,
	})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	assert.Equal(t, "7", gotQuery.Load())
	assert.Equal(t, `{"window": "5m"}`, gotBody.Load())
}

func TestPollWaitsInterval(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"device_id": "A1", "v": 1}`))
	}))
	defer server.Close()

	d := New("gateway", Config{URL: server.URL, PollInterval: 50 * time.Millisecond})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := d.Next(ctx) // from the connect probe, immediate
	require.NoError(t, err)
	_, err = d.Next(ctx) // requires a second poll
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPollAuthHeaders(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"device_id": "A1", "v": 1}`))
	}))
	defer server.Close()

	d := New("gateway", Config{
		URL:  server.URL,
		Auth: Auth{Token: "sekrit"},
	})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	assert.Equal(t, "Bearer sekrit", gotAuth.Load())
}

func TestPollAuthFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d := New("gateway", Config{URL: server.URL})
	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestPollServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := New("gateway", Config{URL: server.URL})
	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPollMalformedRecordFailsAlone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first record has no asset code anywhere.
		_, _ = w.Write([]byte(`[{"v": 1}, {"device_id": "A2", "v": 2}]`))
	}))
	defer server.Close()

	d := New("gateway", Config{URL: server.URL, PollInterval: 10 * time.Millisecond})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	dp, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", dp.AssetCode)
}

func TestDescend(t *testing.T) {
	doc := map[string]any{
		"data": map[string]any{
			"batches": []any{
				map[string]any{"items": []any{map[string]any{"v": 1.0}}},
			},
		},
	}

	node, err := descend(doc, "data.batches.0.items")
	require.NoError(t, err)
	records, err := asRecords(node)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0]["v"])

	_, err = descend(doc, "data.missing")
	assert.True(t, errors.IsInvalid(err))

	_, err = descend(doc, "data.batches.7")
	assert.True(t, errors.IsInvalid(err))
}

func TestConfiguredAssetFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pressure": 3.1}`))
	}))
	defer server.Close()

	d := New("gateway", Config{URL: server.URL, AssetCode: "COMPRESSOR-1"})
	require.NoError(t, d.Connect(context.Background()))
	defer func() { _ = d.Disconnect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dp, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "COMPRESSOR-1", dp.AssetCode)
}
