package server

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"evcollect/internal/config"
	"evcollect/internal/envelope"
	"evcollect/internal/identity"
	"evcollect/internal/metrics"
	"evcollect/internal/payload"
	"evcollect/internal/pool"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

// RecordWriter 는 handler 가 보는 sink 의 전부다.
// 상수 시간 append 여야 하며, 응답 지연은 이 호출의 결과에
// 의존하지 않는다 (flush 는 전적으로 sink 내부 사정).
type RecordWriter interface {
	Write(rec []byte) error
}

// Classifier 는 요청 1건을 good/bad 목적지로 나누는 단일 boolean 결정이다.
// 판정 기준은 배포처마다 달라서 주입 가능하게 열어둔다.
type Classifier func(f payload.Facts) bool

// DefaultClassifier
// JSON 이라고 선언한 POST 는 실제로 JSON 이어야 good.
// 그 외에는 구조 검증 없이 good (스키마 검증은 downstream 담당).
func DefaultClassifier(f payload.Facts) bool {
	if strings.Contains(f.ContentType, "application/json") {
		return json.Valid([]byte(f.Body))
	}
	return true
}

type Handler struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	good     RecordWriter
	bad      RecordWriter
	classify Classifier
}

// NewHandler 는 요청 orchestration 전체를 묶는다.
// classify 가 nil 이면 DefaultClassifier 를 쓴다.
func NewHandler(cfg config.Config, m *metrics.Metrics,
	good, bad RecordWriter, classify Classifier) *Handler {

	if classify == nil {
		classify = DefaultClassifier
	}
	return &Handler{
		cfg:      cfg,
		metrics:  m,
		good:     good,
		bad:      bad,
		classify: classify,
	}
}

// HandleTrack
//
// 모든 트래킹 요청을 처리하는 hot path.
// - GET: pixel 호출, Query String 이 이벤트 데이터
// - POST: 배치 payload, Body 가 이벤트 데이터
//
// 요청 1건의 흐름:
//  1. identity 결정 (nuid > 쿠키 > 신규 UUID)
//  2. Facts 수집 → Envelope 조립
//  3. binary encode
//  4. good/bad 분류 후 sink 에 상수시간 submit
//  5. 응답 지시자(Set-Cookie / P3P / pixel) 구성
//
// sink 가 닫혀 있어도(shutdown 구간) 응답은 항상 정상으로 나간다.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.RequestsTotal, 1)

	switch r.Method {
	case http.MethodGet, http.MethodPost:
	case http.MethodOptions:
		// CORS preflight 로 가정 → 즉시 204
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		atomic.AddInt64(&h.metrics.RequestsRejectedMethodTotal, 1)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Body 크기 강제 제한. 큰 payload 로 메모리가 밀리는 것을 방지.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	var body string
	if r.Method == http.MethodPost {
		buf := pool.BodyPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

		if _, err := io.Copy(buf, r.Body); err != nil {
			atomic.AddInt64(&h.metrics.RequestsRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		body = buf.String()
	} else if len(r.URL.RawQuery) > int(h.cfg.MaxBodySize) {
		atomic.AddInt64(&h.metrics.RequestsRejectedBodyTooLargeTotal, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	// --- 1) identity ---
	res := identity.Resolve(r, identity.Policy{
		Enabled:    h.cfg.CookieEnabled,
		Name:       h.cfg.CookieName,
		Domain:     h.cfg.CookieDomain,
		Expiration: h.cfg.CookieExpiration,
	})
	switch res.Source {
	case identity.SourceParam:
		atomic.AddInt64(&h.metrics.CookiesFromParamTotal, 1)
	case identity.SourceCookie:
		atomic.AddInt64(&h.metrics.CookiesFromRequestTotal, 1)
	case identity.SourceGenerated:
		atomic.AddInt64(&h.metrics.CookiesGeneratedTotal, 1)
	}

	// --- 2) facts + envelope, 3) encode ---
	facts := h.collectFacts(r, body)
	env := payload.Build(facts, res.NetworkUserID, h.cfg.Ident())

	data, err := envelope.Encode(env)
	if err != nil {
		// string 필드만 있는 구조라 사실상 도달 불가.
		// 그래도 요청 경로는 죽이지 않는다.
		zlog.Error().Err(err).Msg("envelope encode failed")
	}

	// --- 4) 분류 + submit ---
	// 응답은 sink 전달 결과를 기다리지 않는다.
	if err == nil {
		dest, counter := h.good, &h.metrics.RecordsGoodTotal
		if !h.classify(facts) {
			dest, counter = h.bad, &h.metrics.RecordsBadTotal
		}
		if werr := dest.Write(data); werr != nil {
			// shutdown 구간의 ErrSinkClosed. 응답은 정상 진행.
			atomic.AddInt64(&h.metrics.RecordsDroppedClosedTotal, 1)
		} else {
			atomic.AddInt64(counter, 1)
			atomic.AddInt64(&h.metrics.RequestsAcceptedTotal, 1)
		}
	}

	// --- 5) 응답 지시자 ---
	if res.SetCookie != nil {
		http.SetCookie(w, res.SetCookie)
	}
	w.Header().Set("P3P",
		`policyref="`+h.cfg.P3PPolicyRef+`", CP="`+h.cfg.P3PCP+`"`)

	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pixelGIF)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// collectFacts 는 요청에서 Envelope 재료를 있는 그대로 뽑는다.
func (h *Handler) collectFacts(r *http.Request, body string) payload.Facts {
	f := payload.Facts{
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     flattenHeaders(r.Header),
		Hostname:    r.Host,
		UserAgent:   r.UserAgent(),
		RefererURI:  r.Referer(),
		IPAddress:   clientIP(r),
	}

	// form 형태 POST 가 URL 쿼리 없이 오면 body 를 querystring 으로도
	// 노출한다 (구형 tracker 호환). URL 쿼리가 있으면 그쪽이 항상 우선.
	if r.Method == http.MethodPost && f.QueryString == "" && isFormBody(f.ContentType, body) {
		f.QueryString = body
	}
	return f
}

func isFormBody(contentType, body string) bool {
	if body == "" || strings.Contains(contentType, "application/json") {
		return false
	}
	if !strings.Contains(body, "=") {
		return false
	}
	_, err := url.ParseQuery(body)
	return err == nil
}

// flattenHeaders 는 헤더를 "Name: value" 문자열 목록으로 편다.
// Go 의 http.Header 는 수신 순서를 잃으므로 이름순 정렬로
// deterministic 하게 만든다 (downstream 은 순서에 의미를 두지 않음).
func flattenHeaders(h http.Header) []string {
	if len(h) == 0 {
		return nil
	}

	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, name+": "+v)
		}
	}
	return out
}

// HandleMetrics
//
// collector 상태 카운터 덤프. Prometheus pull 로도 쉽게 전환 가능.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// pixelGIF: 1x1 투명 GIF. pixel GET 응답 본문.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}
