package osubot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// newComponentHandler returns a tint handler writing to w at the given
// level. A nil level logs at slog.LevelInfo.
func newComponentHandler(w io.Writer, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return tint.NewHandler(
		w, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// newComponentLogger returns a logger with the `logger` attribute set
// to name
func newComponentLogger(w io.Writer, level slog.Leveler, name string) *slog.Logger {
	return slog.New(newComponentHandler(w, level)).With(loggerNameKey, name)
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger sends GORM's logs to slog. Queries are logged at
// debug, or at warn when they exceed slowThreshold.
type gormStructuredLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the slog handler
func (g *gormStructuredLogger) LogMode(logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, format string, args ...any) {
	g.logger.Log(ctx, slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, format string, args ...any) {
	g.logger.Log(ctx, slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, format string, args ...any) {
	g.logger.Log(ctx, slog.LevelError, fmt.Sprintf(format, args...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	level := slog.LevelDebug
	msg := "sql completed"
	if g.slowThreshold > 0 && elapsed > g.slowThreshold {
		level = slog.LevelWarn
		msg = "slow sql"
	}
	if !g.logger.Enabled(ctx, level) {
		return
	}

	sql, rowsAffected := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("sql", sql),
	}
	if rowsAffected >= 0 {
		attrs = append(attrs, slog.Int64("rows", rowsAffected))
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
