// Package logger provides structured logging for Horizon
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with Horizon-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "horizon").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// PagerLogger returns a logger scoped to page I/O
func (l *Logger) PagerLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "pager").Logger()}
}

// WALLogger returns a logger scoped to write-ahead-log activity
func (l *Logger) WALLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "wal").Logger()}
}

// BTreeLogger returns a logger scoped to mutation of a single named tree
func (l *Logger) BTreeLogger(tree string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "btree").
			Str("tree", tree).
			Logger(),
	}
}

// TxnLogger returns a logger scoped to a single transaction
func (l *Logger) TxnLogger(txnID uint64) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "mvcc").
			Uint64("txn_id", txnID).
			Logger(),
	}
}

// LogCheckpoint logs a WAL checkpoint with structured fields
func (l *Logger) LogCheckpoint(duration time.Duration, framesFlushed int, err error) {
	event := l.zlog.Info().
		Str("component", "wal").
		Dur("duration_ms", duration).
		Int("frames_flushed", framesFlushed)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "wal").
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("checkpoint completed")
}

// LogRecovery logs the outcome of crash recovery
func (l *Logger) LogRecovery(duration time.Duration, committedTxns, replayedFrames int, err error) {
	event := l.zlog.Info().
		Str("component", "recovery").
		Dur("duration_ms", duration).
		Int("committed_txns", committedTxns).
		Int("replayed_frames", replayedFrames)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "recovery").
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("recovery completed")
}

// LogTxnOutcome logs a transaction commit or rollback
func (l *Logger) LogTxnOutcome(txnID uint64, committed bool, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "mvcc").
		Uint64("txn_id", txnID).
		Bool("committed", committed).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Warn().
			Str("component", "mvcc").
			Uint64("txn_id", txnID).
			Bool("committed", committed).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("transaction finished")
}

// LogServerStart logs database startup
func (l *Logger) LogServerStart(dbPath string) {
	l.zlog.Info().
		Str("event", "db_open").
		Str("database", dbPath).
		Msg("horizon database opening")
}

// LogServerReady logs when the database has finished recovery and is ready
func (l *Logger) LogServerReady() {
	l.zlog.Info().
		Str("event", "db_ready").
		Msg("horizon database ready to accept transactions")
}

// LogServerShutdown logs database shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "db_shutdown").
		Msg("horizon database shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
