package ulogger

import (
	"github.com/ordishs/gocore"
)

// GoCoreLogger routes log lines through gocore, which also feeds the gocore stats and log UI.
// It is selected with WithLoggerType("gocore").
type GoCoreLogger struct {
	*gocore.Logger
	skipFrame int
}

func applyOptions(options []Option) *Options {
	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}

	return opts
}

func NewGoCoreLogger(service string, options ...Option) *GoCoreLogger {
	if service == "" {
		service = "blocksync"
	}

	opts := applyOptions(options)

	return &GoCoreLogger{
		Logger:    gocore.Log(service, gocore.NewLogLevelFromString(opts.logLevel)),
		skipFrame: opts.skip,
	}
}

// New keeps the level of g; gocore loggers cannot change level after creation.
func (g *GoCoreLogger) New(service string, options ...Option) Logger {
	return &GoCoreLogger{
		Logger:    gocore.Log(service, g.Logger.GetLogLevel()),
		skipFrame: applyOptions(options).skip,
	}
}

func (g *GoCoreLogger) Duplicate(options ...Option) Logger {
	return &GoCoreLogger{
		Logger:    g.Logger,
		skipFrame: applyOptions(append([]Option{WithSkipFrame(g.skipFrame)}, options...)).skip,
	}
}

// SetLogLevel is a no-op, gocore fixes the level when the logger is created.
func (g *GoCoreLogger) SetLogLevel(_ string) {}
