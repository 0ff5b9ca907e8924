package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"evcollect/internal/config"
	"evcollect/internal/logger"
	"evcollect/internal/metrics"
	"evcollect/internal/server"
	"evcollect/internal/sink"

	zlog "github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정 (컨테이너 vCPU 특성 대응)
	// ====================================================================
	//
	// Fargate/ECS 는 vCPU 단위로 CPU share 가 제한된다.
	// GOMAXPROCS 를 default 로 두면 Go 런타임이 호스트 코어 수만큼
	// 스케줄링하려다 busy-loop 이 생기므로 운영에서는 반드시
	// Task 의 vCPU 수에 맞춰야 한다. (Task env GOMAXPROCS 권장)
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1) // default: 1 logical CPU
	}

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// Sink 파이프라인 구성
	// ====================================================================
	//
	//  - Client: Kinesis (SINK_ENABLED=false 면 stdout — 로컬 실행용)
	//  - Archiver: TTL 만료 spill 파일의 S3 보존 (ARCHIVE_BUCKET 설정 시)
	//  - Spill: 전달 불가 배치의 로컬 보존 + 복구 루프
	//  - Buffered x2: good / bad 목적지별 버퍼·flush·backoff 엔진
	//
	// 요청 핸들러는 Buffered.Write 만 호출한다. flush 실패, 재시도,
	// spill 은 전부 여기서 만든 컴포넌트들 내부의 일이다.
	// ====================================================================
	var client sink.Client = sink.Stdout{}
	if cfg.SinkEnabled {
		kc, err := sink.NewKinesis(cfg)
		if err != nil {
			zlog.Fatal().Err(err).Msg("kinesis client init failed")
		}
		client = kc
	}

	var archiver *sink.Archiver
	if cfg.ArchiveBucket != "" && cfg.SinkEnabled {
		a, err := sink.NewArchiver(cfg, m)
		if err != nil {
			zlog.Fatal().Err(err).Msg("archiver init failed")
		}
		archiver = a
	}

	spill := sink.NewSpill(cfg, m, archiver)

	limits := sink.Limits{
		Bytes:    cfg.BufferByteLimit,
		Records:  cfg.BufferRecordLimit,
		Interval: cfg.BufferTimeLimit,
	}
	backoff := sink.Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff}

	good := sink.NewBuffered(cfg.StreamGood, client, limits, backoff, spill, m, &m.BackoffGoodMs)
	bad := sink.NewBuffered(cfg.StreamBad, client, limits, backoff, spill, m, &m.BackoffBadMs)

	sinks := map[string]*sink.Buffered{
		cfg.StreamGood: good,
		cfg.StreamBad:  bad,
	}

	// spill 복구 루프: 디스크에 내려간 배치를 살아있는 sink 로 되돌린다.
	recoverCtx, recoverCancel := context.WithCancel(context.Background())
	go spill.RecoverLoop(recoverCtx, 5*time.Second, func(stream string, rec []byte) error {
		s, ok := sinks[stream]
		if !ok {
			// 설정이 바뀌어 목적지가 사라진 파일 — TTL 이 처리하게 둔다.
			return sink.ErrSinkClosed
		}
		return s.Write(rec)
	})

	// ====================================================================
	// HTTP Handler 설정
	// ====================================================================
	//
	// 엔드포인트:
	//  - /*       : 트래킹 수집 (pixel GET / 배치 POST, tracker path 무관)
	//  - /metrics : 운영 지표 확인
	//  - /health  : LB health check 용
	// ====================================================================
	h := server.NewHandler(cfg, m, good, bad, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", h.HandleTrack)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1) HTTP 서버 먼저 멈춤 (새 요청 차단)
	//   2) 복구 루프 중단
	//   3) 각 sink Close — 남은 버퍼 best-effort flush,
	//      재시도 중이던 배치는 spill 로 보존
	//
	// 주의: srv.Shutdown 이 listener 를 닫는 순간 main 의
	// ListenAndServe 가 ErrServerClosed 로 리턴해버린다.
	// main 이 그대로 빠져나가면 sink Close(최종 flush/spill)가
	// 실행되기 전에 프로세스가 죽으므로, 여기 teardown 이 끝났음을
	// drained 채널로 알리고 main 은 그걸 기다린다.
	// ====================================================================
	drained := make(chan struct{})
	go func() {
		defer close(drained)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}

		recoverCancel()

		var wg sync.WaitGroup
		for _, s := range sinks {
			wg.Add(1)
			go func(s *sink.Buffered) {
				defer wg.Done()
				if err := s.Close(ctx); err != nil {
					zlog.Error().Err(err).Msg("sink close")
				}
			}(s)
		}
		wg.Wait()
	}()

	// ====================================================================
	// 서버 시작
	// ====================================================================
	zlog.Info().
		Str("addr", cfg.HTTPAddr).
		Str("collector", cfg.Ident()).
		Bool("sink", cfg.SinkEnabled).
		Msg("collector listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Fatal().Err(err).Msg("http server terminated")
	}

	// sink teardown 완료까지 대기 — 이게 없으면 마지막 배치가
	// flush/spill 되기 전에 프로세스가 종료된다.
	<-drained

	zlog.Info().Msg("shutdown complete")
}
