// internal/identity/identity.go
package identity

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Policy 는 first-party 쿠키 동작을 결정하는 설정 스냅샷이다.
// (CollectorConfig 에서 잘라서 전달받는다 — 이 패키지는 config 에 의존하지 않음)
type Policy struct {
	Enabled    bool
	Name       string // 쿠키 이름 (기본 "sp")
	Domain     string // 비어있으면 Domain 속성 생략
	Expiration time.Duration
}

// Source 는 network user id 가 어디서 결정되었는지를 나타낸다.
type Source int

const (
	// SourceParam: nuid 쿼리 파라미터 override (항상 최우선)
	SourceParam Source = iota
	// SourceCookie: 기존 쿠키 값 유지 (만료만 갱신)
	SourceCookie
	// SourceGenerated: 신규 방문자 → UUID v4 신규 발급
	SourceGenerated
)

// Resolution 은 요청 1건에 대한 identity 결정 결과다.
// 요청 처리 후 폐기된다 — 서버측 세션 저장소는 없다.
type Resolution struct {
	NetworkUserID string
	Source        Source

	// SetCookie 는 응답에 실어야 할 쿠키 지시자.
	// 정책 disabled 면 nil (쿠키를 읽지도 쓰지도 않음).
	// enabled 면 기존 쿠키를 그대로 돌려주는 경우에도 만료 갱신을 위해 항상 재발급.
	SetCookie *http.Cookie
}

// Resolve 는 요청에서 network user id 를 결정한다.
//
// 우선순위:
//  1. nuid 쿼리 파라미터 (override)
//  2. 기존 쿠키 값
//  3. UUID v4 신규 발급
//
// 실패 경로는 없다. 깨진 Cookie 헤더는 "쿠키 없음"으로 취급한다.
func Resolve(r *http.Request, p Policy) Resolution {
	nuid := r.URL.Query().Get("nuid")

	// 정책 disabled: 쿠키를 만들지 않고 id 만 결정한다.
	// (nuid 가 없으면 요청 간 지속되지 않는 일회성 id)
	if !p.Enabled {
		if nuid != "" {
			return Resolution{NetworkUserID: nuid, Source: SourceParam}
		}
		return Resolution{NetworkUserID: uuid.NewString(), Source: SourceGenerated}
	}

	res := Resolution{}
	switch {
	case nuid != "":
		res.NetworkUserID = nuid
		res.Source = SourceParam

	case existingCookie(r, p.Name) != "":
		res.NetworkUserID = existingCookie(r, p.Name)
		res.Source = SourceCookie

	default:
		res.NetworkUserID = uuid.NewString()
		res.Source = SourceGenerated
	}

	res.SetCookie = &http.Cookie{
		Name:    p.Name,
		Value:   res.NetworkUserID,
		Path:    "/",
		Domain:  p.Domain,
		Expires: time.Now().Add(p.Expiration),
	}
	return res
}

// existingCookie 는 이름이 일치하는 요청 쿠키의 값을 반환한다.
// 헤더가 깨졌거나 해당 쿠키가 없으면 빈 문자열.
func existingCookie(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil || c == nil {
		return ""
	}
	return c.Value
}
