// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"evcollect/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화.
//
//  1. 포맷: LOG_PRETTY=true 면 개발용 콘솔 출력,
//     아니면 CloudWatch 등에서 바로 파싱되는 JSON.
//  2. 공통 필드: 모든 로그에 service / instance 가 붙는다.
//     collector 가 여러 대일 때 어느 인스턴스 로그인지 즉시 식별.
//  3. 샘플링: Debug/Info 는 LOG_SAMPLE_N 개 중 1개만 기록.
//     Warn/Error 는 절대 샘플링하지 않는다.
func Init(cfg config.Config) {

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	} else {
		w = os.Stdout
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
			// Warn/Error: 샘플링 없음 (nil)
		})
	}

	zlog.Logger = logger

	// 표준 라이브러리 log 경유 출력도 zerolog 로 돌린다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
