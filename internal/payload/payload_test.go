package payload

import (
	"testing"
	"time"

	"evcollect/internal/envelope"
)

func TestBuildPopulatesEnvelope(t *testing.T) {
	f := Facts{
		Path:        "/com.snowplowanalytics.snowplow/tp2",
		QueryString: "param1=val1&param2=val2",
		Body:        "param1=val1&param2=val2",
		ContentType: "application/x-www-form-urlencoded",
		Headers:     []string{"Host: localhost"},
		Hostname:    "localhost",
		UserAgent:   "curl/8.0",
		RefererURI:  "https://example.com/",
		IPAddress:   "127.0.0.1",
	}

	e := Build(f, "nuid-123", "evcollect-0.1.0")

	if e.Encoding != "UTF-8" {
		t.Errorf("encoding = %q, want UTF-8", e.Encoding)
	}
	if e.Path != f.Path || e.QueryString != f.QueryString {
		t.Errorf("path/querystring not verbatim: %q %q", e.Path, e.QueryString)
	}
	if e.Collector != "evcollect-0.1.0" {
		t.Errorf("collector = %q", e.Collector)
	}
	if e.NetworkUserID != "nuid-123" {
		t.Errorf("networkUserId = %q", e.NetworkUserID)
	}
	if e.IPAddress != "127.0.0.1" {
		t.Errorf("ipAddress = %q", e.IPAddress)
	}

	// Timestamp 는 조립 시점 wall clock(ms) 이어야 한다.
	now := time.Now().UnixMilli()
	if d := now - e.Timestamp; d < 0 || d > time.Minute.Milliseconds() {
		t.Errorf("timestamp %d too far from now %d", e.Timestamp, now)
	}
}

func TestBuildMissingFactsStillEncode(t *testing.T) {
	// optional facts 전부 비어 있어도 직렬화 가능한 Envelope 가 나와야 한다.
	e := Build(Facts{}, "", "evcollect-0.1.0")

	data, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("encode of defaulted envelope: %v", err)
	}

	out, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.IPAddress != "unknown" {
		t.Errorf("missing ip should default, got %q", out.IPAddress)
	}
	if out.Encoding != "UTF-8" {
		t.Errorf("encoding = %q", out.Encoding)
	}
}
