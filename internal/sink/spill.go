// internal/sink/spill.go
package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evcollect/internal/config"
	"evcollect/internal/metrics"
	"evcollect/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"
)

// Spill 은 전달하지 못한 배치를 로컬 디스크에 보존했다가
// 복구 루프를 통해 sink 로 되돌리는 안전망이다.
//
// 파일 쌍:
//   - "<unix>_<instance>_<counter>.batch.gz" : gzip(길이 prefix 레코드들)
//   - 같은 이름 + ".meta.json"               : {"stream":..., "num_records":N}
//
// 파일명 prefix 가 UTC epoch seconds 이므로 문자열 정렬 = 시간 정렬이고,
// TTL 판단도 파일명 기준으로 한다 (mtime 은 신뢰하지 않음).
type Spill struct {
	dir      string
	instance string
	maxAge   time.Duration
	maxSize  int64
	after    int // Buffered 가 연속 실패 N회 후 spill (0 = spill 안함, 무한 재시도)

	m       *metrics.Metrics
	archive *Archiver // nil = TTL 만료분 보존 없이 삭제

	// good/bad sink 의 Save(용량 확보 eviction)와 복구 루프가
	// 같은 "가장 오래된 파일"을 동시에 집어 이중 삭제하는 것을 막는다.
	// 파일 선택~삭제가 한 임계구역 안에서 끝나야 gauge 가 음수로
	// 내려가지 않는다.
	mu sync.Mutex

	sizeBytes int64
}

type spillMeta struct {
	Stream     string `json:"stream"`
	NumRecords int    `json:"num_records"`
}

// 레코드당 길이 prefix 상한. 이보다 큰 길이가 읽히면
// 파일이 깨진 것으로 판단한다.
const maxSpillRecord = 16 << 20

// NewSpill 은 디렉토리를 초기화하고 기존 파일을 스캔해
// 사이즈/개수 gauge 를 복원한다. data 없이 남은 meta orphan 은 정리한다.
func NewSpill(cfg config.Config, m *metrics.Metrics, archive *Archiver) *Spill {
	_ = os.MkdirAll(cfg.SpillDir, 0o755)

	s := &Spill{
		dir:      cfg.SpillDir,
		instance: cfg.InstanceID,
		maxAge:   cfg.SpillMaxAge,
		maxSize:  cfg.SpillMaxSizeBytes,
		after:    cfg.SpillAfter,
		m:        m,
		archive:  archive,
	}

	var total, count int64

	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			name := e.Name()
			full := filepath.Join(s.dir, name)

			if strings.HasSuffix(name, ".meta.json") {
				dataName := strings.TrimSuffix(name, ".meta.json")
				if _, err := os.Stat(filepath.Join(s.dir, dataName)); os.IsNotExist(err) {
					_ = os.Remove(full)
				}
				continue
			}

			info, err := e.Info()
			if err == nil {
				total += info.Size()
				count++
			}
		}
	}

	atomic.StoreInt64(&s.sizeBytes, total)
	if total > 0 {
		atomic.AddInt64(&m.SpillSizeBytes, total)
	}
	if count > 0 {
		atomic.AddInt64(&m.SpillFilesCurrent, count)
	}

	return s
}

// Save 는 배치 1개를 디스크로 내려쓴다.
// 용량을 확보하지 못하면 배치를 버린다 (유일하게 의도적으로
// 데이터를 잃는 지점 — metrics 로 반드시 드러난다).
func (s *Spill) Save(stream string, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	data, err := encodeSpillBatch(records)
	if err != nil {
		// gzip 쓰기 실패는 디스크 이전 단계이므로 드랍으로 계상.
		atomic.AddInt64(&s.m.SpillBatchesDroppedTotal, 1)
		return fmt.Errorf("spill encode: %w", err)
	}

	// 용량 확보부터 data/meta 쌍 완성까지 한 임계구역.
	// 이 사이에 복구 루프가 끼어들면 meta 없는 반쪽 파일을
	// corrupt 로 판정해 지워버릴 수 있다.
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if !s.ensureCapacityLocked(size) {
		zlog.Error().
			Str("stream", stream).
			Int("records", len(records)).
			Int64("bytes", size).
			Msg("spill full, dropping batch")
		atomic.AddInt64(&s.m.SpillBatchesDroppedTotal, 1)
		return nil
	}

	filename := spillFilename(s.instance)
	dataPath := filepath.Join(s.dir, filename)
	metaPath := dataPath + ".meta.json"

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		atomic.AddInt64(&s.m.SpillBatchesDroppedTotal, 1)
		return fmt.Errorf("spill write: %w", err)
	}

	meta, _ := json.Marshal(spillMeta{Stream: stream, NumRecords: len(records)})
	_ = os.WriteFile(metaPath, meta, 0o600)

	atomic.AddInt64(&s.sizeBytes, size)
	atomic.AddInt64(&s.m.SpillSizeBytes, size)
	atomic.AddInt64(&s.m.SpillFilesCurrent, 1)
	atomic.AddInt64(&s.m.SpillBatchesSavedTotal, 1)
	atomic.AddInt64(&s.m.SpillRecordsSavedTotal, int64(len(records)))

	zlog.Info().
		Str("stream", stream).
		Str("file", filename).
		Int("records", len(records)).
		Msg("batch spilled to disk")

	return nil
}

// RecoverLoop 는 interval 주기로 오래된 spill 파일부터 sink 로 되돌린다.
// write 는 (stream, record) 를 살아있는 sink 에 넣는 라우터다.
func (s *Spill) RecoverLoop(ctx context.Context, interval time.Duration,
	write func(stream string, rec []byte) error) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// starvation 방지를 위해 한 번에 소량만 처리
			for i := 0; i < 3; i++ {
				if !s.recoverOne(ctx, write) {
					break
				}
			}
		}
	}
}

// recoverOne 은 가장 오래된 파일 1개를 처리한다.
// 처리할 파일이 없거나 지금은 되돌릴 수 없으면 false.
func (s *Spill) recoverOne(ctx context.Context, write func(string, []byte) error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	// Save 의 eviction 과 같은 파일을 집지 않도록 파일 선택부터
	// 삭제까지 통째로 잠근다. write 는 sink 의 O(1) append 라
	// 임계구역이 네트워크를 기다리는 일은 없다.
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.pickOldest()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(s.dir, name)
	metaPath := dataPath + ".meta.json"

	info, err := os.Stat(dataPath)
	if err != nil {
		// 파일이 사라진 경우 정리만 수행
		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)
		atomic.AddInt64(&s.m.SpillFilesCurrent, -1)
		return true
	}
	size := info.Size()

	// --- TTL 판단: 파일명 prefix 기준 ---
	if s.maxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(unixNow()-sec) * time.Second
			if age > s.maxAge {
				// 만료 → 보존(archive)하고 로컬에서는 비운다.
				s.archiveFile(ctx, name, dataPath, size)
				s.removeFile(dataPath, metaPath, size)
				atomic.AddInt64(&s.m.SpillFilesExpiredTotal, 1)
				zlog.Info().Str("file", name).Dur("age", age).Msg("spill ttl expired")
				return true
			}
		}
	}

	stream, records, err := readSpillBatch(dataPath, metaPath)
	if err != nil {
		// 깨진 파일은 되돌릴 수 없다. 보존 시도 후 제거.
		zlog.Warn().Str("file", name).Err(err).Msg("corrupt spill file")
		s.archiveFile(ctx, name, dataPath, size)
		s.removeFile(dataPath, metaPath, size)
		atomic.AddInt64(&s.m.SpillFilesExpiredTotal, 1)
		return true
	}

	for i, rec := range records {
		if err := write(stream, rec); err != nil {
			// sink 가 닫혔거나 목적지가 사라짐 — 파일은 남겨두고
			// 다음 주기(또는 TTL)에 다시 판단한다.
			zlog.Warn().
				Str("file", name).
				Str("stream", stream).
				Int("written", i).
				Err(err).
				Msg("spill recovery aborted")
			return false
		}
	}

	s.removeFile(dataPath, metaPath, size)
	atomic.AddInt64(&s.m.SpillRecordsRecoveredTotal, int64(len(records)))

	zlog.Info().
		Str("file", name).
		Str("stream", stream).
		Int("records", len(records)).
		Msg("spill batch recovered")
	return true
}

func (s *Spill) removeFile(dataPath, metaPath string, size int64) {
	_ = os.Remove(dataPath)
	_ = os.Remove(metaPath)
	atomic.AddInt64(&s.sizeBytes, -size)
	atomic.AddInt64(&s.m.SpillSizeBytes, -size)
	atomic.AddInt64(&s.m.SpillFilesCurrent, -1)
}

// archiveFile 은 파일을 S3 로 best-effort 보존한다. archiver 가 없으면 no-op.
func (s *Spill) archiveFile(ctx context.Context, name, dataPath string, size int64) {
	if s.archive == nil {
		return
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return
	}
	defer f.Close()

	if err := s.archive.UploadFile(ctx, name, f, size); err != nil {
		zlog.Warn().Str("file", name).Err(err).Msg("spill archive failed")
		return
	}
	atomic.AddInt64(&s.m.ArchiveStoredTotal, 1)
}

// ensureCapacityLocked 는 maxSize 를 초과하지 않도록
// 가장 오래된 data/meta 파일부터 삭제한다.
// 더 지울 파일이 없으면 false. s.mu 보유 중에만 호출할 것.
func (s *Spill) ensureCapacityLocked(incoming int64) bool {
	if s.maxSize <= 0 {
		return true
	}

	for {
		curr := atomic.LoadInt64(&s.sizeBytes)
		if curr+incoming <= s.maxSize {
			return true
		}

		oldest := s.pickOldest()
		if oldest == "" {
			return false
		}

		dataPath := filepath.Join(s.dir, oldest)
		metaPath := dataPath + ".meta.json"

		var size int64
		if info, err := os.Stat(dataPath); err == nil {
			size = info.Size()
		}
		s.removeFile(dataPath, metaPath, size)
		atomic.AddInt64(&s.m.SpillFilesExpiredTotal, 1)

		zlog.Warn().Str("file", oldest).Msg("spill capacity eviction")
	}
}

// pickOldest 는 data 파일 중 파일명(=timestamp) 기준 가장 오래된 것을 고른다.
// ReadDir 결과는 임의 순서이므로 반드시 정렬한다.
func (s *Spill) pickOldest() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".meta.json") {
			continue
		}
		if name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

// encodeSpillBatch 는 레코드들을 [uint32 길이][바이트] 연속으로 쓰고
// gzip 으로 감싼다. 버퍼/writer 는 pool 재사용.
func encodeSpillBatch(records [][]byte) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	var lenBuf [4]byte
	for _, rec := range records {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		if _, err := gz.Write(lenBuf[:]); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			return nil, err
		}
		if _, err := gz.Write(rec); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// pool 버퍼는 재사용되므로 호출자 소유의 새 slice 로 복사해 반환한다.
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	return data, nil
}

// readSpillBatch 는 data/meta 파일 쌍을 레코드 목록으로 복원한다.
func readSpillBatch(dataPath, metaPath string) (string, [][]byte, error) {
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return "", nil, fmt.Errorf("meta read: %w", err)
	}
	var meta spillMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil || meta.Stream == "" {
		return "", nil, fmt.Errorf("meta parse: %v", err)
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("gzip open: %w", err)
	}
	defer gz.Close()

	var records [][]byte
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(gz, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return "", nil, fmt.Errorf("length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxSpillRecord {
			return "", nil, fmt.Errorf("implausible record length %d", n)
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(gz, rec); err != nil {
			return "", nil, fmt.Errorf("record body: %w", err)
		}
		records = append(records, rec)
	}

	if meta.NumRecords > 0 && meta.NumRecords != len(records) {
		return "", nil, fmt.Errorf("record count mismatch: meta=%d file=%d",
			meta.NumRecords, len(records))
	}
	return meta.Stream, records, nil
}

// 파일명 규칙: "<unix>_<instance>_<counter>.batch.gz"
// 정렬하면 곧 시간순이므로 복구/TTL/용량 정리가 모두 이 규칙에 기댄다.
var spillCounter uint64

func nextSpillCounter() uint64 {
	return atomic.AddUint64(&spillCounter, 1) % 1_000_000
}

func spillFilename(instance string) string {
	return fmt.Sprintf("%d_%s_%06d.batch.gz", unixNow(), instance, nextSpillCounter())
}

// extractUnixFromFilename 은 파일명 prefix 의 Unix seconds 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
