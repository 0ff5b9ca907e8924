// internal/payload/payload.go
package payload

import (
	"time"

	"evcollect/internal/envelope"
)

// Facts
// ------------------------------------------------------------
// 요청 1건에서 뽑아낸 "있는 그대로의" 사실들.
// Handler 가 채워서 넘기며, 여기서는 가공하지 않는다.
// 비어있는 optional 값은 Envelope 의 기본값(unset)으로 남는다.
type Facts struct {
	Path        string
	QueryString string   // raw query (비어있을 수 있음)
	Body        string   // POST payload (optional)
	ContentType string   // optional
	Headers     []string // raw "Name: value" 문자열, 순서 유지
	Hostname    string
	UserAgent   string
	RefererURI  string
	IPAddress   string // literal 또는 resolved, 없으면 envelope 기본값
}

// Build 는 Facts + 결정된 network user id + collector 식별자를
// 완성된 Envelope 로 조립한다.
//
// 순수 함수: I/O 없음, side effect 없음.
// Timestamp 는 조립 시점의 wall clock(ms) — 클라이언트 시각이 아니라
// collector 도착 시각이 계약이다.
func Build(f Facts, networkUserID, collectorIdent string) envelope.Envelope {
	return envelope.Envelope{
		Schema:        envelope.Schema,
		Timestamp:     time.Now().UnixMilli(),
		Encoding:      envelope.DefaultEncoding,
		Collector:     collectorIdent,
		IPAddress:     f.IPAddress,
		Path:          f.Path,
		QueryString:   f.QueryString,
		Body:          f.Body,
		ContentType:   f.ContentType,
		Headers:       f.Headers,
		Hostname:      f.Hostname,
		NetworkUserID: networkUserID,
		UserAgent:     f.UserAgent,
		RefererURI:    f.RefererURI,
	}
}
