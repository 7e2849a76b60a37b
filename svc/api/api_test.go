package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/api"
	"pastelite/svc/db"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct{ *db.Memory }

func (brokenStore) Fetch(context.Context, string) (*domain.Paste, error) {
	return nil, domain.ErrStoreUnavailable
}
func (brokenStore) Create(context.Context, *domain.Paste) error {
	return domain.ErrStoreTimeout
}
func (brokenStore) Ping(context.Context) error {
	return domain.ErrStoreUnavailable
}

func createTestConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		TestMode:       true,
		MaxPasteSize:   1024,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://allowed.example"},
	}
}

func setupTestServer(t *testing.T, c *cfg.Cfg, store db.Store) *httptest.Server {
	t.Helper()
	clk := clock.New(c.TestMode)
	p := svc.NewPaste(store, clk, util.NewNanoID(), nil, svc.Opts{BaseURL: c.BaseURL, MaxPasteSize: c.MaxPasteSize})
	srv, err := api.NewServer(c, p, clk)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, target, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createPaste(t *testing.T, ts *httptest.Server, body string, nowMs int64) api.CreateResp {
	t.Helper()
	resp := do(t, http.MethodPost, ts.URL+"/api/pastes", body, map[string]string{api.TestNowHeader: fmt.Sprint(nowMs)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out api.CreateResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	resp := do(t, http.MethodGet, ts.URL+"/api/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, true, decode(t, resp)["ok"])

	broken := setupTestServer(t, createTestConfig(), brokenStore{db.NewMemory()})
	resp = do(t, http.MethodGet, broken.URL+"/api/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, decode(t, resp)["ok"])

	resp = do(t, http.MethodGet, broken.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndFetchFlow(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"hello","ttl_seconds":60,"max_views":2}`, 1000)
	assert.Len(t, created.ID, util.IDLength)
	assert.Equal(t, ts.URL+"/p/"+created.ID, created.URL)

	get := func(nowMs int64) *http.Response {
		return do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: fmt.Sprint(nowMs)})
	}

	resp := get(2000)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "hello", body["content"])
	assert.Equal(t, float64(1), body["remaining_views"])
	assert.Equal(t, "1970-01-01T00:01:01.000Z", body["expires_at"])

	resp = get(3000)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decode(t, resp)["remaining_views"])

	resp = get(4000)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Paste view limit exceeded", decode(t, resp)["error"])
}

func TestFetchUnboundedPasteHasNullFields(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"forever","ttl_seconds":null}`, 1000)
	for i := 0; i < 3; i++ {
		resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode(t, resp)
		assert.Nil(t, body["remaining_views"])
		assert.Nil(t, body["expires_at"])
		assert.Contains(t, body, "expires_at")
	}
}

func TestFetchOutcomes(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"short lived","ttl_seconds":1}`, 10_000)

	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: "10999"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: "11000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Paste has expired", decode(t, resp)["error"])

	resp = do(t, http.MethodGet, ts.URL+"/api/pastes/doesnotexist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Paste not found", decode(t, resp)["error"])
}

func TestTestClockHeaderUsesIntegerPrefix(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"prefix","ttl_seconds":1}`, 10_000)

	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: " 10999.9"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: "11000ms"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Paste has expired", decode(t, resp)["error"])

	unlimited := createPaste(t, ts, `{"content":"wall clock"}`, 10_000)
	for _, raw := range []string{"abc", "-5", "0"} {
		resp = do(t, http.MethodGet, ts.URL+"/api/pastes/"+unlimited.ID, "", map[string]string{api.TestNowHeader: raw})
		assert.Equal(t, http.StatusOK, resp.StatusCode, raw)
	}
}

func TestTestClockHeaderIgnoredOutsideTestMode(t *testing.T) {
	c := createTestConfig()
	c.TestMode = false
	ts := setupTestServer(t, c, db.NewMemory())
	created := createPaste(t, ts, `{"content":"x","ttl_seconds":60}`, 1)

	far := fmt.Sprint(time.Now().Add(time.Hour).UnixMilli())
	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: far})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	store := db.NewMemory()
	ts := setupTestServer(t, createTestConfig(), store)
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"missing content", `{}`, domain.ErrContentRequired.Msg},
		{"empty content", `{"content":""}`, domain.ErrContentRequired.Msg},
		{"blank content", `{"content":"   \n"}`, domain.ErrContentRequired.Msg},
		{"numeric content", `{"content":42}`, domain.ErrContentRequired.Msg},
		{"zero ttl", `{"content":"x","ttl_seconds":0}`, domain.ErrInvalidTTL.Msg},
		{"negative ttl", `{"content":"x","ttl_seconds":-1}`, domain.ErrInvalidTTL.Msg},
		{"fractional ttl", `{"content":"x","ttl_seconds":1.5}`, domain.ErrInvalidTTL.Msg},
		{"string ttl", `{"content":"x","ttl_seconds":"60"}`, domain.ErrInvalidTTL.Msg},
		{"bool views", `{"content":"x","max_views":true}`, domain.ErrInvalidMaxViews.Msg},
		{"zero views", `{"content":"x","max_views":0}`, domain.ErrInvalidMaxViews.Msg},
		{"too large", `{"content":"` + strings.Repeat("a", 1025) + `"}`, domain.ErrPasteTooLarge.Msg},
		{"malformed", `{"content":`, domain.ErrInvalidRequest.Msg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/api/pastes", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.msg, decode(t, resp)["error"])
		})
	}
	assert.Equal(t, 0, store.Len())
}

func TestCreateAcceptsIntegralFloats(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"x","ttl_seconds":60.0,"max_views":1e1}`, 5000)
	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", map[string]string{api.TestNowHeader: "6000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(9), body["remaining_views"])
	assert.Equal(t, "1970-01-01T00:01:05.000Z", body["expires_at"])
}

func TestCreateRejectsUnsupportedMediaType(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	resp := do(t, http.MethodPost, ts.URL+"/api/pastes", "hello", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestCreateFromForm(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	form := url.Values{"content": {"from the form"}, "ttl_seconds": {""}, "max_views": {"3"}}
	resp := do(t, http.MethodPost, ts.URL+"/api/pastes", form.Encode(), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, ts.URL+"/p/"), loc)

	page := do(t, http.MethodGet, loc, "", nil)
	require.Equal(t, http.StatusOK, page.StatusCode)
	html, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), "from the form")
	assert.Contains(t, string(html), "Views remaining: 2")
}

func TestCreateFromFormRendersValidationError(t *testing.T) {
	store := db.NewMemory()
	ts := setupTestServer(t, createTestConfig(), store)
	form := url.Values{"content": {"x"}, "ttl_seconds": {"soon"}}
	resp := do(t, http.MethodPost, ts.URL+"/api/pastes", form.Encode(), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	html, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(html), domain.ErrInvalidTTL.Msg)
	assert.Equal(t, 0, store.Len())
}

func TestShareURLUsesBaseURL(t *testing.T) {
	c := createTestConfig()
	c.BaseURL = "paste.example.com"
	ts := setupTestServer(t, c, db.NewMemory())
	created := createPaste(t, ts, `{"content":"x"}`, 1000)
	assert.Equal(t, "http://paste.example.com/p/"+created.ID, created.URL)
}

func TestViewPasteHTML(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"<script>alert('xss')</script>","max_views":1}`, 1000)

	resp := do(t, http.MethodGet, ts.URL+"/p/"+created.ID, "", map[string]string{api.TestNowHeader: "2000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	html, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(html), "<script>alert")
	assert.Contains(t, string(html), "&lt;script&gt;")
	assert.Contains(t, string(html), "Views remaining: 0")
	assert.Contains(t, string(html), created.URL)
	assert.NotContains(t, string(html), "/qr")

	resp = do(t, http.MethodGet, ts.URL+"/p/"+created.ID, "", map[string]string{api.TestNowHeader: "3000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	html, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(html), "This paste has reached its view limit")
}

func TestViewAndAPIShareOneQuota(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"shared","max_views":2}`, 1000)

	resp := do(t, http.MethodGet, ts.URL+"/p/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQRDoesNotCountViews(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"qr","max_views":1}`, 1000)

	for i := 0; i < 3; i++ {
		resp := do(t, http.MethodGet, ts.URL+"/p/"+created.ID+"/qr", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		png, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	}
	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/p/"+created.ID+"/qr", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), brokenStore{db.NewMemory()})

	resp := do(t, http.MethodGet, ts.URL+"/api/pastes/abcdefghij", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = do(t, http.MethodPost, ts.URL+"/api/pastes", `{"content":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/p/abcdefghij", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFallbackNotFound(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())

	resp := do(t, http.MethodGet, ts.URL+"/nope", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Route not found", decode(t, resp)["error"])

	resp = do(t, http.MethodGet, ts.URL+"/api/nope", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/nope", "", map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestIndexAndConfig(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	resp := do(t, http.MethodGet, ts.URL+"/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(html), `action="/api/pastes"`)
	assert.Contains(t, string(html), "1,024 bytes")

	resp = do(t, http.MethodGet, ts.URL+"/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "pastelite", body["name"])
	assert.Equal(t, api.Version, body["version"])
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	resp := do(t, http.MethodGet, ts.URL+"/", "", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = do(t, http.MethodGet, ts.URL+"/", "", map[string]string{"X-Request-ID": "trace-me"})
	assert.Equal(t, "trace-me", resp.Header.Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	resp := do(t, http.MethodOptions, ts.URL+"/api/pastes", "", map[string]string{"Origin": "https://allowed.example"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://allowed.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = do(t, http.MethodOptions, ts.URL+"/api/pastes", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsBasicAuth(t *testing.T) {
	c := createTestConfig()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	ts := setupTestServer(t, c, db.NewMemory())

	resp := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	req.SetBasicAuth("prom", "scrape")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	text, _ := io.ReadAll(ok.Body)
	assert.Contains(t, string(text), "pastelite_request_duration_seconds")
}

func TestConcurrentSingleViewOverHTTP(t *testing.T) {
	ts := setupTestServer(t, createTestConfig(), db.NewMemory())
	created := createPaste(t, ts, `{"content":"race","max_views":3}`, 1000)

	var ok, limited int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/api/pastes/" + created.ID)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt32(&ok, 1)
			case http.StatusNotFound:
				atomic.AddInt32(&limited, 1)
			default:
				t.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), ok)
	assert.Equal(t, int32(17), limited)
}
