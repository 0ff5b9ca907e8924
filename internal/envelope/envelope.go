// internal/envelope/envelope.go
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Envelope
// ------------------------------------------------------------
// 다운스트림 컨슈머와 주고받는 "이벤트 레코드"의 wire format.
//
// 필드 번호(cbor integer key)는 다운스트림과의 계약이므로
// 절대 변경/재사용하면 안 된다. 새 필드는 뒤 번호로만 추가한다.
//   - 1~5: 필수 필드 (decode 시 검증 대상)
//   - 6~:  optional 필드 (omitempty = "unset" 마커)
//
// 컨슈머는 모르는 번호를 무시하므로(forward compat),
// 신/구 collector 버전이 섞여 돌아도 decode 가 깨지지 않는다.
type Envelope struct {
	Schema        string   `cbor:"1,keyasint"`
	Timestamp     int64    `cbor:"2,keyasint"` // 수집 시각 (UTC epoch ms)
	Encoding      string   `cbor:"3,keyasint"` // 항상 "UTF-8" (계약상 고정)
	Collector     string   `cbor:"4,keyasint"` // "<name>-<version>"
	IPAddress     string   `cbor:"5,keyasint"`
	Path          string   `cbor:"6,keyasint,omitempty"`
	QueryString   string   `cbor:"7,keyasint,omitempty"`
	Body          string   `cbor:"8,keyasint,omitempty"`
	ContentType   string   `cbor:"9,keyasint,omitempty"`
	Headers       []string `cbor:"10,keyasint,omitempty"` // raw "Name: value" 순서 보존
	Hostname      string   `cbor:"11,keyasint,omitempty"`
	NetworkUserID string   `cbor:"12,keyasint,omitempty"`
	UserAgent     string   `cbor:"13,keyasint,omitempty"`
	RefererURI    string   `cbor:"14,keyasint,omitempty"`
}

// Schema 버전 규칙: "<name>/cbor/<major>-<minor>"
// major 가 같으면 필수 필드 집합이 같다.
const (
	Schema       = "collector-payload/cbor/1-0"
	schemaFamily = "collector-payload/cbor/1-"
)

// DefaultEncoding 은 요청의 실제 charset 과 무관하게 기록되는 고정 값이다.
const DefaultEncoding = "UTF-8"

// unknownAddr: IP 를 판별하지 못한 경우의 표준 placeholder.
const unknownAddr = "unknown"

// ErrMalformed 는 decode 구조 실패를 나타낸다.
// (필수 필드 누락, 타입 불일치, 잘린 입력 등)
var ErrMalformed = errors.New("malformed envelope")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// 인코딩은 deterministic 해야 한다.
	// 같은 Envelope → 항상 같은 바이트 (round-trip 안정성 보장).
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		// 모르는 integer key 는 무시 (forward compat).
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		// 중복 key 는 구조 오류로 취급.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: dec mode: %v", err))
	}
	decMode = dm
}

// applyDefaults 는 비어있는 필수 필드를 serializable 한 기본값으로 채운다.
// 어떤 부분 입력이 와도 Encode 가 실패하지 않아야 한다는 계약의 핵심.
func applyDefaults(e *Envelope) {
	if e.Schema == "" {
		e.Schema = Schema
	}
	if e.Encoding == "" {
		e.Encoding = DefaultEncoding
	}
	if e.Collector == "" {
		e.Collector = unknownAddr
	}
	if e.IPAddress == "" {
		e.IPAddress = unknownAddr
	}
}

// Encode 는 Envelope 를 고정 스키마 바이트로 직렬화한다.
// 필수 필드가 비어있으면 기본값으로 채운 뒤 인코딩한다.
func Encode(e Envelope) ([]byte, error) {
	applyDefaults(&e)
	data, err := encMode.Marshal(e)
	if err != nil {
		// string/[]string 필드 조합에서는 사실상 도달 불가.
		return nil, fmt.Errorf("envelope encode: %w", err)
	}
	return data, nil
}

// Decode 는 바이트를 Envelope 로 복원한다.
// 구조가 깨진 입력(잘림, 타입 불일치, 필수 필드 누락)은
// ErrMalformed 로 감싸서 반환하며, 어떤 입력에도 panic 하지 않는다.
func Decode(data []byte) (Envelope, error) {
	var e Envelope

	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	if err := decMode.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// 필수 필드 검증. major 버전이 같은 스키마만 수용한다.
	switch {
	case !strings.HasPrefix(e.Schema, schemaFamily):
		return Envelope{}, fmt.Errorf("%w: unsupported schema %q", ErrMalformed, e.Schema)
	case e.Timestamp <= 0:
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case e.Encoding == "":
		return Envelope{}, fmt.Errorf("%w: missing encoding", ErrMalformed)
	case e.Collector == "":
		return Envelope{}, fmt.Errorf("%w: missing collector", ErrMalformed)
	case e.IPAddress == "":
		return Envelope{}, fmt.Errorf("%w: missing ip address", ErrMalformed)
	}

	return e, nil
}
