package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 collector 상태를 나타내는 카운터 모음이다.
// 전부 atomic 으로만 접근하며, /metrics 에서 텍스트로 덤프된다.
//
// Prometheus exporter 가 아니라 운영자가 장애 원인을 찾을 때 보는
// 내부 카운터들이다 (flush 실패, backoff 상태, spill 적재량 등).
type Metrics struct {

	// ======================
	// HTTP 레벨 지표
	// ======================

	// HandleTrack 진입 총 횟수 (메서드/성공 여부 무관).
	RequestsTotal int64

	// envelope 가 만들어져 sink 까지 전달된 요청 수.
	RequestsAcceptedTotal int64

	// MaxBodySize 초과로 413 반환된 요청 수.
	RequestsRejectedBodyTooLargeTotal int64

	// 허용되지 않은 메서드로 405 반환된 요청 수.
	RequestsRejectedMethodTotal int64

	// ======================
	// Identity 지표
	// ======================
	// 세 카운터의 합 ≈ 쿠키 정책이 enabled 인 동안의 요청 수.
	// Generated 비율이 비정상적으로 높으면 쿠키가 유지되지 않는다는 신호
	// (도메인 설정 오류, 차단 등).

	CookiesFromParamTotal   int64 // nuid override
	CookiesFromRequestTotal int64 // 기존 쿠키 유지
	CookiesGeneratedTotal   int64 // 신규 UUID 발급

	// ======================
	// Sink 지표
	// ======================

	// 목적지별로 buffer 에 수락된 레코드 수.
	RecordsGoodTotal int64
	RecordsBadTotal  int64

	// sink Close 이후 도착해 버려진 레코드 수.
	// shutdown 구간에서만 증가해야 정상이다.
	RecordsDroppedClosedTotal int64

	// flush(배치 전달) 성공/실패 "시도" 횟수.
	// 실패는 재시도마다 증가하므로 장애 중에는 FlushFailureTotal 이
	// 빠르게 누적될 수 있다.
	FlushSuccessTotal int64
	FlushFailureTotal int64

	// flush 성공으로 downstream 에 전달된 레코드 수.
	FlushRecordsTotal int64

	// 목적지별 현재 backoff(ms). gauge.
	// 0 이 아니면 해당 목적지의 flush 가 재시도 중이라는 뜻.
	BackoffGoodMs int64
	BackoffBadMs  int64

	// ======================
	// Spill (로컬 DLQ) 지표
	// ======================

	SpillBatchesSavedTotal     int64 // 디스크로 내려간 배치 수
	SpillRecordsSavedTotal     int64 // 그 배치들에 담긴 레코드 수
	SpillRecordsRecoveredTotal int64 // 디스크에서 sink 로 복구된 레코드 수
	SpillBatchesDroppedTotal   int64 // 용량 초과로 저장 자체를 포기한 배치 수
	SpillFilesExpiredTotal     int64 // TTL/용량 정리로 삭제된 파일 수
	SpillFilesCurrent          int64 // 현재 디렉토리의 배치 파일 수 (gauge)
	SpillSizeBytes             int64 // 현재 디렉토리 총 용량 (gauge)

	// ======================
	// Archive (S3) 지표
	// ======================

	ArchiveStoredTotal    int64 // S3 로 보존된 spill 파일 수
	ArchivePutErrorsTotal int64 // S3 PutObject 실패 시도 횟수
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "requests_total=%d\n", atomic.LoadInt64(&m.RequestsTotal))
	fmt.Fprintf(&sb, "requests_accepted_total=%d\n", atomic.LoadInt64(&m.RequestsAcceptedTotal))
	fmt.Fprintf(&sb, "requests_rejected_body_too_large_total=%d\n", atomic.LoadInt64(&m.RequestsRejectedBodyTooLargeTotal))
	fmt.Fprintf(&sb, "requests_rejected_method_total=%d\n", atomic.LoadInt64(&m.RequestsRejectedMethodTotal))

	fmt.Fprintf(&sb, "cookies_from_param_total=%d\n", atomic.LoadInt64(&m.CookiesFromParamTotal))
	fmt.Fprintf(&sb, "cookies_from_request_total=%d\n", atomic.LoadInt64(&m.CookiesFromRequestTotal))
	fmt.Fprintf(&sb, "cookies_generated_total=%d\n", atomic.LoadInt64(&m.CookiesGeneratedTotal))

	fmt.Fprintf(&sb, "records_good_total=%d\n", atomic.LoadInt64(&m.RecordsGoodTotal))
	fmt.Fprintf(&sb, "records_bad_total=%d\n", atomic.LoadInt64(&m.RecordsBadTotal))
	fmt.Fprintf(&sb, "records_dropped_closed_total=%d\n", atomic.LoadInt64(&m.RecordsDroppedClosedTotal))

	fmt.Fprintf(&sb, "flush_success_total=%d\n", atomic.LoadInt64(&m.FlushSuccessTotal))
	fmt.Fprintf(&sb, "flush_failure_total=%d\n", atomic.LoadInt64(&m.FlushFailureTotal))
	fmt.Fprintf(&sb, "flush_records_total=%d\n", atomic.LoadInt64(&m.FlushRecordsTotal))
	fmt.Fprintf(&sb, "backoff_good_ms=%d\n", atomic.LoadInt64(&m.BackoffGoodMs))
	fmt.Fprintf(&sb, "backoff_bad_ms=%d\n", atomic.LoadInt64(&m.BackoffBadMs))

	fmt.Fprintf(&sb, "spill_batches_saved_total=%d\n", atomic.LoadInt64(&m.SpillBatchesSavedTotal))
	fmt.Fprintf(&sb, "spill_records_saved_total=%d\n", atomic.LoadInt64(&m.SpillRecordsSavedTotal))
	fmt.Fprintf(&sb, "spill_records_recovered_total=%d\n", atomic.LoadInt64(&m.SpillRecordsRecoveredTotal))
	fmt.Fprintf(&sb, "spill_batches_dropped_total=%d\n", atomic.LoadInt64(&m.SpillBatchesDroppedTotal))
	fmt.Fprintf(&sb, "spill_files_expired_total=%d\n", atomic.LoadInt64(&m.SpillFilesExpiredTotal))
	fmt.Fprintf(&sb, "spill_files_current=%d\n", atomic.LoadInt64(&m.SpillFilesCurrent))
	fmt.Fprintf(&sb, "spill_size_bytes=%d\n", atomic.LoadInt64(&m.SpillSizeBytes))

	fmt.Fprintf(&sb, "archive_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveStoredTotal))
	fmt.Fprintf(&sb, "archive_put_errors_total=%d\n", atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	return sb.String()
}
