// internal/sink/buffered.go
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"evcollect/internal/metrics"

	zlog "github.com/rs/zerolog/log"
)

// ErrSinkClosed 는 Close 이후의 Write 에 반환된다.
// 요청 경로는 이 에러를 받아도 정상 응답을 내려보내야 한다.
var ErrSinkClosed = errors.New("sink closed")

// Limits 는 버퍼 flush 트리거 조건이다.
// 셋 중 하나라도 걸리면 flush 된다.
type Limits struct {
	Bytes    int64         // 누적 바이트 상한
	Records  int           // 누적 레코드 수 상한
	Interval time.Duration // 시간 기반 flush 주기 (worst-case 지연 상한)
}

// Backoff 는 flush 재시도 지연 정책이다.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Next 는 직전 지연 d 다음의 지연을 반환한다.
// 0(첫 실패) → Min, 이후 2배씩 증가, Max 에서 고정.
func (b Backoff) Next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Min
	}
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Buffered
// ------------------------------------------------------------
// 목적지(스트림) 1개에 대한 buffered sink.
//
// 동작 원칙:
//   - Write 는 O(1) append. lock 은 짧게만 잡고 네트워크 I/O 를
//     절대 lock 안에서 하지 않는다.
//   - flush 는 목적지당 동시에 1개만 "in flight". 크기 트리거와
//     타이머 트리거가 같은 배치를 이중 전송하는 일은 없다.
//   - in-flight flush 가 재시도 중이어도 새 레코드는 다음 배치로
//     계속 쌓인다. 배치 간 순서보다 쓰기 가용성이 우선이다.
//   - 전달 실패는 backoff(2배 증가, Max 고정)로 무한 재시도.
//     요청 경로로는 절대 전파되지 않는다.
type Buffered struct {
	stream  string
	client  Client
	limits  Limits
	backoff Backoff
	spill   *Spill // nil 허용 (spill 비활성)
	m       *metrics.Metrics
	gauge   *int64 // metrics 의 목적지별 backoff(ms) gauge, nil 허용

	mu       sync.Mutex
	pending  [][]byte // 쌓이는 중인 배치
	bytes    int64    // 불변식: bytes == sum(len(pending[i]))
	inFlight bool
	closed   bool

	cur atomic.Int64 // 현재 backoff(ns), 0 = 재시도 중 아님

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuffered 는 sink 를 만들고 시간 기반 flush 타이머를 시작한다.
// gauge 는 metrics 구조체의 목적지별 backoff 필드 주소 (없으면 nil).
func NewBuffered(stream string, c Client, limits Limits, backoff Backoff,
	spill *Spill, m *metrics.Metrics, gauge *int64) *Buffered {

	b := &Buffered{
		stream:  stream,
		client:  c,
		limits:  limits,
		backoff: backoff,
		spill:   spill,
		m:       m,
		gauge:   gauge,
		pending: make([][]byte, 0, limits.Records),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(1)
	go b.timerLoop()

	return b
}

// Write 는 직렬화된 envelope 1건을 버퍼에 추가한다.
// 추가 후 크기 한도를 넘으면 비동기 flush 를 시작한다.
// 네트워크 I/O 를 기다리는 일은 없다.
func (b *Buffered) Write(rec []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrSinkClosed
	}
	b.pending = append(b.pending, rec)
	b.bytes += int64(len(rec))
	snap := b.takeIfTriggeredLocked()
	b.mu.Unlock()

	if snap != nil {
		b.startDeliver(snap)
	}
	return nil
}

// takeIfTriggeredLocked 는 크기 한도를 넘었고 in-flight flush 가
// 없을 때만 현재 배치를 떼어낸다. lock 보유 중에만 호출할 것.
func (b *Buffered) takeIfTriggeredLocked() [][]byte {
	if b.closed || b.inFlight || len(b.pending) == 0 {
		return nil
	}
	if b.bytes < b.limits.Bytes && len(b.pending) < b.limits.Records {
		return nil
	}
	b.inFlight = true
	return b.takeLocked()
}

// takeLocked 는 배치와 바이트 카운터를 원자적으로 비운다.
func (b *Buffered) takeLocked() [][]byte {
	snap := b.pending
	b.pending = make([][]byte, 0, b.limits.Records)
	b.bytes = 0
	return snap
}

func (b *Buffered) startDeliver(snap [][]byte) {
	b.wg.Add(1)
	go b.deliver(snap)
}

// timerLoop 는 Interval 마다 비어있지 않은 버퍼를 flush 한다.
// in-flight flush 가 있으면 이번 tick 은 건너뛴다 (이중 전송 방지).
func (b *Buffered) timerLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.limits.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-ticker.C:
			b.mu.Lock()
			var snap [][]byte
			if !b.closed && !b.inFlight && len(b.pending) > 0 {
				b.inFlight = true
				snap = b.takeLocked()
			}
			b.mu.Unlock()

			if snap != nil {
				b.startDeliver(snap)
			}
		}
	}
}

// deliver 는 떼어낸 배치(snapshot) 1개의 전달을 책임진다.
// 성공할 때까지 backoff 재시도하며, 그동안 새 레코드는
// 새 버퍼에 쌓인다. shutdown 이 걸리면 배치를 디스크로 보존한다.
func (b *Buffered) deliver(snap [][]byte) {
	defer b.wg.Done()

	var delay time.Duration
	failures := 0

	for {
		err := b.client.PutBatch(b.ctx, b.stream, snap)
		if err == nil {
			atomic.AddInt64(&b.m.FlushSuccessTotal, 1)
			atomic.AddInt64(&b.m.FlushRecordsTotal, int64(len(snap)))
			b.setBackoffGauge(0)
			b.finish()
			return
		}

		failures++
		atomic.AddInt64(&b.m.FlushFailureTotal, 1)
		delay = b.backoff.Next(delay)
		b.setBackoffGauge(delay)

		zlog.Warn().
			Str("stream", b.stream).
			Int("records", len(snap)).
			Int("failures", failures).
			Dur("backoff", delay).
			Err(err).
			Msg("flush failed, retrying")

		// 연속 실패가 한도를 넘으면 메모리에 계속 들고 있지 않고
		// 디스크로 내려보낸다 (복구 루프가 나중에 다시 집어넣음).
		if b.spill != nil && b.spill.after > 0 && failures >= b.spill.after {
			b.spill.Save(b.stream, snap)
			b.setBackoffGauge(0)
			b.finish()
			return
		}

		select {
		case <-b.ctx.Done():
			// shutdown 중 재시도 포기. 가능하면 디스크로 보존 —
			// at-least-once 계약상 프로세스 종료 시에만 유실 허용.
			if b.spill != nil {
				b.spill.Save(b.stream, snap)
			}
			b.setBackoffGauge(0)
			b.finish()
			return

		case <-time.After(delay):
		}
	}
}

// finish 는 in-flight 상태를 내리고, 전달 중에 쌓인 버퍼가
// 이미 한도를 넘었으면 바로 다음 flush 를 이어서 시작한다.
func (b *Buffered) finish() {
	b.mu.Lock()
	b.inFlight = false
	snap := b.takeIfTriggeredLocked()
	b.mu.Unlock()

	if snap != nil {
		b.startDeliver(snap)
	}
}

func (b *Buffered) setBackoffGauge(d time.Duration) {
	b.cur.Store(int64(d))
	if b.gauge != nil {
		atomic.StoreInt64(b.gauge, d.Milliseconds())
	}
}

// CurrentBackoff 는 재시도 중인 flush 의 현재 지연을 반환한다.
// 0 이면 재시도 중이 아니다. 모니터링/테스트용.
func (b *Buffered) CurrentBackoff() time.Duration {
	return time.Duration(b.cur.Load())
}

// Close 는 쓰기를 막고 남은 버퍼를 best-effort 로 flush 한다.
// 재시도 중이던 배치는 spill 로 보존된다(spill 설정 시).
// ctx 가 만료되면 기다리기를 포기한다 — 프로세스 종료 구간에서는
// at-least-once 이상을 약속하지 않는다.
func (b *Buffered) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	snap := b.takeLocked()
	b.mu.Unlock()

	// 타이머와 재시도 루프를 깨운다.
	b.cancel()

	var err error
	if len(snap) > 0 {
		if err = b.client.PutBatch(ctx, b.stream, snap); err != nil {
			zlog.Error().
				Str("stream", b.stream).
				Int("records", len(snap)).
				Err(err).
				Msg("final flush failed")
			if b.spill != nil {
				if serr := b.spill.Save(b.stream, snap); serr == nil {
					err = nil // 디스크에 보존됨 — 유실 아님
				}
			}
		} else {
			atomic.AddInt64(&b.m.FlushSuccessTotal, 1)
			atomic.AddInt64(&b.m.FlushRecordsTotal, int64(len(snap)))
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
