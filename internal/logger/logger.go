// Package logger provides structured logging for the transactional store
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with transactional-store-specific functionality
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
		Str("service", "tstore").
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

// TxnLogger returns a logger scoped to one transaction id.
func (l *Logger) TxnLogger(txnID int64) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "txn").
			Int64("txn_id", txnID).
			Logger(),
	}
}

// StoreLogger returns a logger for backing-store operations.
func (l *Logger) StoreLogger(mapName string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "kvstore").
			Str("map", mapName).
			Logger(),
	}
}

// LogTransactionBegin logs a transaction being opened.
func (l *Logger) LogTransactionBegin(txnID int64) {
	l.zlog.Debug().
		Str("event", "txn_begin").
		Int64("txn_id", txnID).
		Msg("transaction opened")
}

// LogCommit logs a successful commit, including how many undo log
// entries were walked to apply it.
func (l *Logger) LogCommit(txnID int64, duration time.Duration, logEntries int) {
	l.zlog.Info().
		Str("event", "txn_commit").
		Int64("txn_id", txnID).
		Dur("duration_ms", duration).
		Int("log_entries", logEntries).
		Msg("transaction committed")
}

// LogRollback logs a rollback, either to the start of the transaction
// or to a savepoint identified by toLogID.
func (l *Logger) LogRollback(txnID int64, toLogID int64, logEntries int) {
	l.zlog.Info().
		Str("event", "txn_rollback").
		Int64("txn_id", txnID).
		Int64("to_log_id", toLogID).
		Int("log_entries", logEntries).
		Msg("transaction rolled back")
}

// LogConflict logs a write-write conflict detected during trySet.
func (l *Logger) LogConflict(txnID int64, blockingTxnID int64, mapName string) {
	l.zlog.Debug().
		Str("event", "write_conflict").
		Int64("txn_id", txnID).
		Int64("blocking_txn_id", blockingTxnID).
		Str("map", mapName).
		Msg("write conflict, waiting for lock")
}

// LogRecovery logs the outcome of rebuilding open transactions from
// the undo log on open, when it found transactions left open by an
// unclean shutdown.
func (l *Logger) LogRecovery(uncommittedTxns int, replayedOps int) {
	l.zlog.Warn().
		Str("event", "txn_recovery").
		Int("uncommitted_txns", uncommittedTxns).
		Int("replayed_ops", replayedOps).
		Msg("found transactions left open by a previous run")
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
