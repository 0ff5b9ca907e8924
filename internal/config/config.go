// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"
)

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
// 모든 요청 처리 경로가 이 구조체 하나를 값으로 공유한다.
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	HTTPAddr   string // HTTP 서버 bind 주소 (예: ":8080")
	Production bool   // 운영 모드 여부 (로그 포맷 등에 반영)
	InstanceID string // collector 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)

	// collector 식별자. envelope 의 collector 필드에
	// "<name>-<version>" 형태로 기록된다.
	CollectorName    string
	CollectorVersion string

	// ---------------------------
	// 요청 처리 파라미터
	// ---------------------------

	MaxBodySize int64 // 단일 HTTP 요청 body 최대 크기 (바이트)

	// ---------------------------
	// Identity 쿠키 정책
	// ---------------------------

	CookieEnabled    bool
	CookieName       string        // 기본 "sp"
	CookieDomain     string        // 비어있으면 Domain 속성 생략
	CookieExpiration time.Duration // Expires = now + 이 값

	// ---------------------------
	// P3P 헤더
	// ---------------------------
	// 응답마다 `policyref="<ref>", CP="<cp>"` 형태로 그대로 나간다.

	P3PPolicyRef string
	P3PCP        string

	// ---------------------------
	// Sink (Kinesis) 설정
	// ---------------------------
	// Retry 정책 단일화: SDK retry 는 0 으로 고정하고
	// 재시도는 buffered sink 의 backoff 루프만 담당한다.

	SinkEnabled bool          // false 면 stdout sink (로컬 실행용)
	AWSRegion   string        // AWS 리전 (예: ap-northeast-2)
	StreamGood  string        // 정상 이벤트 스트림 이름
	StreamBad   string        // 분류 실패 이벤트 스트림 이름
	SinkTimeout time.Duration // PutRecords 시도당 timeout

	// ---------------------------
	// Buffer / Backoff
	// ---------------------------

	BufferByteLimit   int64         // 누적 바이트가 이 값 이상이면 flush
	BufferRecordLimit int           // 누적 레코드 수가 이 값 이상이면 flush
	BufferTimeLimit   time.Duration // 시간 기반 flush 주기 (worst-case 지연 상한)

	MinBackoff time.Duration // flush 실패 시 첫 재시도 지연
	MaxBackoff time.Duration // 재시도 지연 상한 (2배씩 증가하다 여기서 고정)

	// ---------------------------
	// Spill (로컬 DLQ) / Archive
	// ---------------------------

	SpillDir          string        // 전달 불가 배치를 내려쓰는 로컬 디렉토리
	SpillAfter        int           // 연속 실패 N회 후 spill (0 = 무한 재시도)
	SpillMaxAge       time.Duration // spill 파일 TTL (초과 시 archive 후 삭제)
	SpillMaxSizeBytes int64         // spill 디렉토리 전체 허용 용량 (바이트)

	ArchiveBucket string // TTL 만료 spill 파일을 보존할 S3 버킷 (빈 값 = 보존 안함)
	ArchivePrefix string // S3 key prefix

	// ---------------------------
	// 로깅
	// ---------------------------

	ServiceName string // 로그 공통 필드 "service"
	LogLevel    string // zerolog 레벨 문자열 (debug/info/warn/...)
	LogPretty   bool   // true 면 개발용 콘솔 출력, false 면 JSON
	LogSampleN  uint32 // Debug/Info 샘플링 비율 (N개 중 1개, 0/1 = 샘플링 없음)
}

// Ident 는 envelope 에 기록되는 collector 식별 문자열이다.
func (c Config) Ident() string {
	return c.CollectorName + "-" + c.CollectorVersion
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 필수 env 가 비어있으면 즉시 프로세스를 종료(fail-fast).
// sink/archive 관련 값은 해당 기능이 켜진 경우에만 필수다.
func Load() Config {
	cfg := Config{
		HTTPAddr:   must("HTTP_ADDR"),
		Production: optBool("PRODUCTION", false),
		InstanceID: fallbackInstanceID(),

		CollectorName:    must("COLLECTOR_NAME"),
		CollectorVersion: must("COLLECTOR_VERSION"),

		MaxBodySize: optInt64("MAX_BODY_SIZE", 1<<20), // 1MB

		CookieEnabled:    optBool("COOKIE_ENABLED", true),
		CookieName:       opt("COOKIE_NAME", "sp"),
		CookieDomain:     opt("COOKIE_DOMAIN", ""),
		CookieExpiration: optDur("COOKIE_EXPIRATION", 365*24*time.Hour),

		P3PPolicyRef: opt("P3P_POLICYREF", "/w3c/p3p.xml"),
		P3PCP:        opt("P3P_CP", "NOI DSP COR NID PSA OUR IND COM NAV STA"),

		SinkEnabled: optBool("SINK_ENABLED", true),
		SinkTimeout: optDur("SINK_TIMEOUT", 5*time.Second),

		BufferByteLimit:   optInt64("BUFFER_BYTE_LIMIT", 4*1024*1024),
		BufferRecordLimit: optInt("BUFFER_RECORD_LIMIT", 500),
		BufferTimeLimit:   optDur("BUFFER_TIME_LIMIT", 5*time.Second),

		MinBackoff: optDur("MIN_BACKOFF", 500*time.Millisecond),
		MaxBackoff: optDur("MAX_BACKOFF", 10*time.Second),

		SpillDir:          opt("SPILL_DIR", "/var/spool/evcollect"),
		SpillAfter:        optInt("SPILL_AFTER", 0),
		SpillMaxAge:       optDur("SPILL_MAX_AGE", 24*time.Hour),
		SpillMaxSizeBytes: optInt64("SPILL_MAX_SIZE_BYTES", 512*1024*1024),

		ArchiveBucket: opt("ARCHIVE_BUCKET", ""),
		ArchivePrefix: opt("ARCHIVE_PREFIX", "spill"),

		ServiceName: opt("SERVICE_NAME", "evcollect"),
		LogLevel:    opt("LOG_LEVEL", "info"),
		LogPretty:   optBool("LOG_PRETTY", false),
		LogSampleN:  uint32(optInt("LOG_SAMPLE_N", 0)),
	}

	// Kinesis sink 가 켜져 있어야만 필수인 값들.
	// stdout sink 모드에서도 good/bad 라우팅·spill meta 는
	// 스트림 이름으로 구분하므로 기본 이름을 부여한다.
	if cfg.SinkEnabled {
		cfg.AWSRegion = must("AWS_REGION")
		cfg.StreamGood = must("STREAM_GOOD")
		cfg.StreamBad = must("STREAM_BAD")
	} else {
		cfg.StreamGood = opt("STREAM_GOOD", "good")
		cfg.StreamBad = opt("STREAM_BAD", "bad")
	}

	// backoff 경계가 뒤집혀 있으면 런타임에 음수 대기로 이어지므로 즉시 종료.
	if cfg.MinBackoff <= 0 || cfg.MaxBackoff < cfg.MinBackoff {
		log.Fatalf("invalid backoff range: min=%s max=%s", cfg.MinBackoff, cfg.MaxBackoff)
	}
	if cfg.BufferByteLimit <= 0 || cfg.BufferRecordLimit <= 0 || cfg.BufferTimeLimit <= 0 {
		log.Fatalf("invalid buffer limits: bytes=%d records=%d time=%s",
			cfg.BufferByteLimit, cfg.BufferRecordLimit, cfg.BufferTimeLimit)
	}

	return cfg
}

// must / opt 계열
//
// 공통 패턴.
// must*: 필수 환경변수가 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
// opt*:  없으면 기본값, 있는데 형식이 잘못되면 역시 종료.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func opt(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func optBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func optInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func optInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func optDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// fallbackInstanceID
//
// 이 collector 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너 환경에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
