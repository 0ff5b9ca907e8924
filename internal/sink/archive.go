// internal/sink/archive.go
package sink

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"evcollect/internal/config"
	"evcollect/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver 는 TTL 이 지난(또는 깨진) spill 파일을 버리기 전에
// S3 로 보존하는 장기 보관 경로다. 실시간 경로가 아니므로
// 실패해도 best-effort — 다만 실패 횟수는 metrics 로 드러난다.
type Archiver struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  *s3.Client
}

// 업로드 시도당 timeout / 앱 레벨 재시도 횟수.
// SDK retry 는 0 으로 고정한다 (재시도 주체 단일화).
const (
	archiveTimeout = 5 * time.Second
	archiveRetries = 3
)

func NewArchiver(cfg config.Config, m *metrics.Metrics) (*Archiver, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(
		context.TODO(),
		awsCfgLib.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	return &Archiver{cfg: cfg, metrics: m, client: client}, nil
}

// UploadFile 은 spill 파일 하나를 S3 로 올린다.
// 재시도를 위해 io.ReadSeeker 가 필요하다 (attempt 마다 rewind).
func (a *Archiver) UploadFile(ctx context.Context, filename string,
	f io.ReadSeeker, size int64) error {

	key := buildArchiveKey(a.cfg.ArchivePrefix, filename)

	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= archiveRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.putObject(ctx, key, f, size); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&a.metrics.ArchivePutErrorsTotal, 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind: %w", err)
		}
	}

	return lastErr
}

func (a *Archiver) putObject(ctx context.Context, key string,
	body io.Reader, size int64) error {

	ctx2, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	_, err := a.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.ArchiveBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

// buildArchiveKey: "<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>"
// Athena 파티션 스캔을 줄이는 표준 구조.
func buildArchiveKey(prefix, filename string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, datePartition(), hourPartition(), filename)
}
