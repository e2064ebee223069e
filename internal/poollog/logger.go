// Package poollog is a helper for building a stderr *zap.Logger to pass
// through Config.Logger. The pool itself does not use it: when
// Config.Logger is nil, New falls back to zap.NewNop().
package poollog

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger writing to stderr: a human-readable console
// encoder when stderr is a terminal, structured JSON otherwise (piped into
// a log collector). Mirrors the tty-detection idiom used elsewhere in the
// retrieval pack's CLI tooling for picking an output format.
func New(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Subsystems returns named child loggers ("queue", "runtime", "timers",
// "adjuster") off root, so log lines can be filtered by component. The
// pool does not call it; it names its own "runtime" and "worker" loggers.
func Subsystems(root *zap.Logger) (queue, runtime, timer, adjuster *zap.Logger) {
	return root.Named("queue"), root.Named("runtime"), root.Named("timers"), root.Named("adjuster")
}
