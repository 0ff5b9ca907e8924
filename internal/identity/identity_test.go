package identity

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"
)

var uuidShape = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func testPolicy() Policy {
	return Policy{
		Enabled:    true,
		Name:       "sp",
		Domain:     "example.com",
		Expiration: 365 * 24 * time.Hour,
	}
}

func TestResolveGeneratesUUIDForNewVisitor(t *testing.T) {
	r := httptest.NewRequest("GET", "/i?e=pv", nil)

	res := Resolve(r, testPolicy())

	if res.Source != SourceGenerated {
		t.Fatalf("source = %v, want SourceGenerated", res.Source)
	}
	if !uuidShape.MatchString(res.NetworkUserID) {
		t.Errorf("id %q is not a canonical UUID v4", res.NetworkUserID)
	}
	if res.SetCookie == nil {
		t.Fatal("expected a cookie directive")
	}
	if res.SetCookie.Name != "sp" || res.SetCookie.Value != res.NetworkUserID {
		t.Errorf("cookie = %s=%s", res.SetCookie.Name, res.SetCookie.Value)
	}
	if res.SetCookie.Path != "/" || res.SetCookie.Domain != "example.com" {
		t.Errorf("cookie path/domain = %q/%q", res.SetCookie.Path, res.SetCookie.Domain)
	}
}

func TestResolveParamOverridesCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/i?nuid=override-id", nil)
	r.AddCookie(&http.Cookie{Name: "sp", Value: "cookie-id"})

	res := Resolve(r, testPolicy())

	if res.Source != SourceParam {
		t.Fatalf("source = %v, want SourceParam", res.Source)
	}
	if res.NetworkUserID != "override-id" {
		t.Errorf("id = %q, want override-id", res.NetworkUserID)
	}
	if res.SetCookie == nil || res.SetCookie.Value != "override-id" {
		t.Errorf("cookie must be rewritten with the override value, got %+v", res.SetCookie)
	}
}

func TestResolveKeepsExistingCookieValue(t *testing.T) {
	r := httptest.NewRequest("GET", "/i", nil)
	r.AddCookie(&http.Cookie{Name: "sp", Value: "existing-id"})

	res := Resolve(r, testPolicy())

	if res.Source != SourceCookie {
		t.Fatalf("source = %v, want SourceCookie", res.Source)
	}
	if res.NetworkUserID != "existing-id" {
		t.Errorf("id = %q, want existing-id", res.NetworkUserID)
	}
	// 만료 갱신을 위해 기존 값 그대로 재발급되어야 한다.
	if res.SetCookie == nil || res.SetCookie.Value != "existing-id" {
		t.Errorf("cookie refresh missing, got %+v", res.SetCookie)
	}
}

func TestResolveCookieExpiration(t *testing.T) {
	p := testPolicy()
	r := httptest.NewRequest("GET", "/i", nil)

	res := Resolve(r, p)

	want := time.Now().Add(p.Expiration)
	diff := res.SetCookie.Expires.Sub(want)
	if diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("expiration off by %v", diff)
	}
}

func TestResolveMalformedCookieTreatedAsAbsent(t *testing.T) {
	r := httptest.NewRequest("GET", "/i", nil)
	r.Header.Set("Cookie", ";;=broken;sp") // 파싱 불가 → 쿠키 없음으로 동작

	res := Resolve(r, testPolicy())

	if res.Source != SourceGenerated {
		t.Fatalf("source = %v, want SourceGenerated", res.Source)
	}
	if !uuidShape.MatchString(res.NetworkUserID) {
		t.Errorf("id %q is not a fresh UUID", res.NetworkUserID)
	}
}

func TestResolveDisabledPolicy(t *testing.T) {
	p := testPolicy()
	p.Enabled = false

	r := httptest.NewRequest("GET", "/i", nil)
	r.AddCookie(&http.Cookie{Name: "sp", Value: "existing-id"})

	res := Resolve(r, p)

	if res.SetCookie != nil {
		t.Errorf("disabled policy must not emit a cookie, got %+v", res.SetCookie)
	}
	// disabled 면 기존 쿠키도 읽지 않는다.
	if res.NetworkUserID == "existing-id" {
		t.Error("disabled policy must not resolve from the request cookie")
	}

	// nuid 는 disabled 상태에서도 존중된다.
	r2 := httptest.NewRequest("GET", "/i?nuid=param-id", nil)
	res2 := Resolve(r2, p)
	if res2.NetworkUserID != "param-id" || res2.SetCookie != nil {
		t.Errorf("nuid with disabled policy: %+v", res2)
	}
}
