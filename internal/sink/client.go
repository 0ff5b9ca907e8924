// internal/sink/client.go
package sink

import (
	"context"
	"fmt"

	"evcollect/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Client 는 외부 스트림 collaborator 와의 경계다.
// 배치 1개를 목적지 스트림에 전달하고, 부분 실패도 실패로 보고한다.
// (재시도는 전적으로 Buffered 의 backoff 루프가 담당)
type Client interface {
	PutBatch(ctx context.Context, stream string, records [][]byte) error
}

// Kinesis 는 PutRecords 기반 Client 구현이다.
// SDK retry 는 0 으로 고정한다 — 코드 레벨 backoff 와 겹치면
// 처리 지연이 예측 불가능해지기 때문에 재시도 주체는 하나만 둔다.
type Kinesis struct {
	cfg    config.Config
	client *kinesis.Client
}

func NewKinesis(cfg config.Config) (*Kinesis, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(
		context.TODO(),
		awsCfgLib.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		o.RetryMaxAttempts = 0
	})

	return &Kinesis{cfg: cfg, client: client}, nil
}

// PutBatch 는 배치를 PutRecords 1회 호출로 전달한다.
// 레코드별 partition key 는 랜덤 UUID — 샤드에 고르게 분산시키는
// 일반적인 collector 패턴이다 (순서 보장은 계약에 없음).
//
// FailedRecordCount > 0 이면 배치 전체를 실패로 취급한다.
// 성공분이 재전송되어 중복이 생길 수 있지만 at-least-once 계약상 허용.
func (k *Kinesis) PutBatch(ctx context.Context, stream string, records [][]byte) error {
	entries := make([]types.PutRecordsRequestEntry, len(records))
	for i, rec := range records {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         rec,
			PartitionKey: aws.String(uuid.NewString()),
		}
	}

	// 시도당 timeout. 여기서 오래 매달리면 backoff 루프의
	// 지연 계산이 무의미해진다.
	ctx2, cancel := context.WithTimeout(ctx, k.cfg.SinkTimeout)
	defer cancel()

	out, err := k.client.PutRecords(ctx2, &kinesis.PutRecordsInput{
		StreamName: aws.String(stream),
		Records:    entries,
	})
	if err != nil {
		return fmt.Errorf("kinesis put records: %w", err)
	}

	if out.FailedRecordCount != nil && *out.FailedRecordCount > 0 {
		return fmt.Errorf("kinesis put records: %d/%d records failed",
			*out.FailedRecordCount, len(records))
	}
	return nil
}

// Stdout 은 SINK_ENABLED=false 일 때 쓰는 로컬 실행용 Client 다.
// 레코드를 어디에도 보내지 않고 개수만 로그로 남긴다.
type Stdout struct{}

func (Stdout) PutBatch(_ context.Context, stream string, records [][]byte) error {
	var bytes int
	for _, rec := range records {
		bytes += len(rec)
	}
	zlog.Info().
		Str("stream", stream).
		Int("records", len(records)).
		Int("bytes", bytes).
		Msg("stdout sink flush")
	return nil
}

// 컴파일 타임 인터페이스 체크.
var (
	_ Client = (*Kinesis)(nil)
	_ Client = Stdout{}
)
