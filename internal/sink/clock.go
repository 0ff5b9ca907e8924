// internal/sink/clock.go
package sink

import (
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------
// spill 파일명과 archive key 파티션에 쓰는 캐시된 시계.
//
// spill 저장은 장애 구간에 몰아서 일어나는데, 그 순간에도
// 파일명 생성마다 time.Now() 를 부를 필요는 없다.
// 1초 ticker 로 캐싱하고 초단위 정밀도만 유지한다.
//   - 파일명 prefix: UTC epoch seconds (정렬 = 시간순)
//   - archive 파티션: dt=YYYY-MM-DD / hr=HH (UTC)
// ------------------------------------------------------------

var (
	unixSec atomic.Int64
	dtVal   atomic.Value // "YYYY-MM-DD"
	hrVal   atomic.Value // "HH"
)

func init() {
	tick()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			tick()
		}
	}()
}

func tick() {
	now := time.Now().UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

// unixNow returns current UTC epoch seconds (cached, 1-second precision).
func unixNow() int64 {
	return unixSec.Load()
}

func datePartition() string { return dtVal.Load().(string) }
func hourPartition() string { return hrVal.Load().(string) }
