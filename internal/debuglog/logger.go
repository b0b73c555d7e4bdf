package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and sink. Output is stderr, stdout, console or a
// file path; files rotate at MaxSizeMB.
type Config struct {
	Level      string `yaml:"level"`
	Debug      bool   `yaml:"debug"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

var (
	mu      sync.RWMutex
	global  = zerolog.New(os.Stderr).With().Timestamp().Logger()
	debugOn = os.Getenv("MNNET_DEBUG") == "1"

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Init replaces the process logger. MNNET_DEBUG=1 forces debug level.
func Init(cfg Config) error {
	var out io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		size := cfg.MaxSizeMB
		if size <= 0 {
			size = 64
		}
		out = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    size,
			MaxBackups: cfg.MaxBackups,
		}
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = l
	}
	debug := cfg.Debug || os.Getenv("MNNET_DEBUG") == "1"
	if debug {
		level = zerolog.DebugLevel
	}
	mu.Lock()
	global = zerolog.New(out).Level(level).With().Timestamp().Logger()
	debugOn = debug
	mu.Unlock()
	return nil
}

func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

func enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugOn
}

func Logf(format string, args ...any) {
	l := Logger()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	l := Logger()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at most once per interval per key, debug mode only.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
