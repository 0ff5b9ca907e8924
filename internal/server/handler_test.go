package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"evcollect/internal/config"
	"evcollect/internal/envelope"
	"evcollect/internal/metrics"
)

// captureWriter 는 handler 가 넘긴 레코드를 기록하는 RecordWriter.
// err 를 설정하면 sink 가 닫힌 상황을 흉내낸다.
type captureWriter struct {
	mu   sync.Mutex
	recs [][]byte
	err  error
}

func (c *captureWriter) Write(rec []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func (c *captureWriter) decode(t *testing.T, i int) envelope.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	env, err := envelope.Decode(c.recs[i])
	if err != nil {
		t.Fatalf("decode captured record: %v", err)
	}
	return env
}

func testConfig() config.Config {
	return config.Config{
		CollectorName:    "evcollect",
		CollectorVersion: "1.2.0",
		MaxBodySize:      1 << 20,
		CookieEnabled:    true,
		CookieName:       "sp",
		CookieDomain:     "example.com",
		CookieExpiration: 365 * 24 * time.Hour,
		P3PPolicyRef:     "/w3c/p3p.xml",
		P3PCP:            "NOI DSP COR NID PSA OUR IND COM NAV STA",
	}
}

func newTestHandler(cfg config.Config) (*Handler, *captureWriter, *captureWriter, *metrics.Metrics) {
	good := &captureWriter{}
	bad := &captureWriter{}
	m := metrics.New()
	return NewHandler(cfg, m, good, bad, nil), good, bad, m
}

var uuidShape = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestPostFormBodyFullPipeline(t *testing.T) {
	h, good, bad, _ := newTestHandler(testConfig())

	body := "param1=val1&param2=val2"
	r := httptest.NewRequest(http.MethodPost,
		"/com.snowplowanalytics.snowplow/tp2", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()

	h.HandleTrack(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if good.count() != 1 || bad.count() != 0 {
		t.Fatalf("good=%d bad=%d, want 1/0", good.count(), bad.count())
	}

	env := good.decode(t, 0)
	if env.Schema != envelope.Schema {
		t.Errorf("schema = %q", env.Schema)
	}
	if env.Path != "/com.snowplowanalytics.snowplow/tp2" {
		t.Errorf("path = %q", env.Path)
	}
	if env.Body != body {
		t.Errorf("body = %q", env.Body)
	}
	// URL 쿼리가 없는 form POST 는 body 가 querystring 으로도 보인다.
	if env.QueryString != body {
		t.Errorf("querystring = %q, want mirrored body", env.QueryString)
	}
	if env.Encoding != "UTF-8" {
		t.Errorf("encoding = %q", env.Encoding)
	}
	if env.IPAddress != "127.0.0.1" {
		t.Errorf("ipAddress = %q", env.IPAddress)
	}
	if env.Collector != "evcollect-1.2.0" {
		t.Errorf("collector = %q", env.Collector)
	}
	if !uuidShape.MatchString(env.NetworkUserID) {
		t.Errorf("networkUserId = %q, want fresh uuid", env.NetworkUserID)
	}
	if env.Timestamp <= 0 {
		t.Errorf("timestamp = %d", env.Timestamp)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("set-cookie count = %d, want 1", len(cookies))
	}
	if cookies[0].Name != "sp" || cookies[0].Value != env.NetworkUserID {
		t.Errorf("cookie %s=%s, want sp=%s", cookies[0].Name, cookies[0].Value, env.NetworkUserID)
	}
}

func TestURLQueryBeatsBodyMirror(t *testing.T) {
	h, good, _, _ := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodPost, "/i?e=pv", strings.NewReader("k=v"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	env := good.decode(t, 0)
	if env.QueryString != "e=pv" {
		t.Errorf("querystring = %q, want URL query to win", env.QueryString)
	}
	if env.Body != "k=v" {
		t.Errorf("body = %q", env.Body)
	}
}

func TestGetReturnsPixel(t *testing.T) {
	h, good, _, _ := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodGet, "/i?e=pv&aid=site", nil)
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("content-type = %q", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), pixelGIF) {
		t.Errorf("body is not the 1x1 pixel (%d bytes)", w.Body.Len())
	}

	env := good.decode(t, 0)
	if env.QueryString != "e=pv&aid=site" {
		t.Errorf("querystring = %q", env.QueryString)
	}
	if env.Body != "" {
		t.Errorf("GET must not carry a body, got %q", env.Body)
	}
}

func TestP3PHeaderFormat(t *testing.T) {
	h, _, _, _ := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodGet, "/i", nil)
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	got := w.Header().Values("P3P")
	if len(got) != 1 {
		t.Fatalf("P3P header count = %d, want 1", len(got))
	}
	want := `policyref="/w3c/p3p.xml", CP="NOI DSP COR NID PSA OUR IND COM NAV STA"`
	if got[0] != want {
		t.Errorf("P3P = %q\n    want %q", got[0], want)
	}
}

func TestMethodGate(t *testing.T) {
	h, good, _, m := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodOptions, "/i", nil)
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}

	r = httptest.NewRequest(http.MethodPut, "/i", strings.NewReader("x"))
	w = httptest.NewRecorder()
	h.HandleTrack(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT status = %d, want 405", w.Code)
	}

	if good.count() != 0 {
		t.Errorf("rejected methods produced %d records", good.count())
	}
	if m.RequestsRejectedMethodTotal != 1 {
		t.Errorf("RequestsRejectedMethodTotal = %d, want 1", m.RequestsRejectedMethodTotal)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodySize = 16
	h, good, bad, m := newTestHandler(cfg)

	r := httptest.NewRequest(http.MethodPost, "/i",
		strings.NewReader(strings.Repeat("a", 100)))
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if good.count()+bad.count() != 0 {
		t.Error("oversized request must not produce a record")
	}
	if m.RequestsRejectedBodyTooLargeTotal != 1 {
		t.Errorf("RequestsRejectedBodyTooLargeTotal = %d", m.RequestsRejectedBodyTooLargeTotal)
	}
}

func TestInvalidDeclaredJSONGoesBad(t *testing.T) {
	h, good, bad, _ := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodPost, "/tp2", strings.NewReader("{not json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, bad routing must not change the response", w.Code)
	}
	if good.count() != 0 || bad.count() != 1 {
		t.Fatalf("good=%d bad=%d, want 0/1", good.count(), bad.count())
	}

	env := bad.decode(t, 0)
	if env.Body != "{not json" {
		t.Errorf("bad record body = %q", env.Body)
	}

	// 유효한 JSON 은 good.
	r = httptest.NewRequest(http.MethodPost, "/tp2", strings.NewReader(`{"e":"pv"}`))
	r.Header.Set("Content-Type", "application/json")
	h.HandleTrack(httptest.NewRecorder(), r)
	if good.count() != 1 {
		t.Errorf("valid JSON routed wrong, good=%d", good.count())
	}
}

func TestExistingCookieAndParamOverride(t *testing.T) {
	h, good, _, _ := newTestHandler(testConfig())

	// 기존 쿠키 재사용.
	const id = "11111111-2222-4333-8444-555555555555"
	r := httptest.NewRequest(http.MethodGet, "/i", nil)
	r.AddCookie(&http.Cookie{Name: "sp", Value: id})
	h.HandleTrack(httptest.NewRecorder(), r)
	if env := good.decode(t, 0); env.NetworkUserID != id {
		t.Errorf("networkUserId = %q, want cookie value", env.NetworkUserID)
	}

	// nuid 파라미터는 쿠키보다 우선.
	r = httptest.NewRequest(http.MethodGet, "/i?nuid=forced-id", nil)
	r.AddCookie(&http.Cookie{Name: "sp", Value: id})
	h.HandleTrack(httptest.NewRecorder(), r)
	if env := good.decode(t, 1); env.NetworkUserID != "forced-id" {
		t.Errorf("networkUserId = %q, want nuid param", env.NetworkUserID)
	}
}

func TestCookieDisabledNoSetCookie(t *testing.T) {
	cfg := testConfig()
	cfg.CookieEnabled = false
	h, good, _, _ := newTestHandler(cfg)

	r := httptest.NewRequest(http.MethodGet, "/i", nil)
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	if got := w.Result().Cookies(); len(got) != 0 {
		t.Errorf("set-cookie emitted with cookies disabled: %v", got)
	}
	// identity 자체는 여전히 생성된다.
	if env := good.decode(t, 0); !uuidShape.MatchString(env.NetworkUserID) {
		t.Errorf("networkUserId = %q", env.NetworkUserID)
	}
}

func TestClosedSinkStillResponds(t *testing.T) {
	good := &captureWriter{err: errors.New("sink closed")}
	bad := &captureWriter{}
	m := metrics.New()
	h := NewHandler(testConfig(), m, good, bad, nil)

	r := httptest.NewRequest(http.MethodGet, "/i?e=pv", nil)
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even when sink is closed", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), pixelGIF) {
		t.Error("pixel missing on closed-sink response")
	}
	if m.RecordsDroppedClosedTotal != 1 {
		t.Errorf("RecordsDroppedClosedTotal = %d, want 1", m.RecordsDroppedClosedTotal)
	}
	if m.RequestsAcceptedTotal != 0 {
		t.Errorf("RequestsAcceptedTotal = %d, want 0", m.RequestsAcceptedTotal)
	}
}

func TestHeadersFlattenedAndSorted(t *testing.T) {
	h, good, _, _ := newTestHandler(testConfig())

	r := httptest.NewRequest(http.MethodGet, "/i", nil)
	r.Header.Set("User-Agent", "curl/8.0")
	r.Header.Set("Accept", "*/*")
	w := httptest.NewRecorder()
	h.HandleTrack(w, r)

	env := good.decode(t, 0)
	if len(env.Headers) < 2 {
		t.Fatalf("headers = %v", env.Headers)
	}
	for i := 1; i < len(env.Headers); i++ {
		if env.Headers[i-1] > env.Headers[i] {
			t.Errorf("headers not sorted: %v", env.Headers)
		}
	}
	found := false
	for _, hv := range env.Headers {
		if hv == "User-Agent: curl/8.0" {
			found = true
		}
	}
	if !found {
		t.Errorf("User-Agent missing from %v", env.Headers)
	}
	if env.UserAgent != "curl/8.0" {
		t.Errorf("userAgent = %q", env.UserAgent)
	}
}
