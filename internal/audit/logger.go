package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarvislabs/jarvis/internal/security"
)

// Logger writes audit records asynchronously. A nil or disabled Logger
// swallows records, so callers never need to check for one.
type Logger struct {
	enabled       bool
	dir           string
	flushInterval time.Duration

	buffer  chan *Record
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// Writer-goroutine state. Only writeLoop touches these.
	file     *os.File
	fileDate string

	slogger *slog.Logger
}

// New creates an audit logger writing to cfg.Dir. The directory must
// exist.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return Nop(), nil
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	st, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("audit dir %s is not a directory", cfg.Dir)
	}

	l := &Logger{
		enabled:       true,
		dir:           cfg.Dir,
		flushInterval: cfg.FlushInterval,
		buffer:        make(chan *Record, cfg.BufferSize),
		done:          make(chan struct{}),
		slogger:       slog.Default().With("component", "audit"),
	}

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Nop returns a disabled logger that accepts and discards records.
func Nop() *Logger {
	return &Logger{}
}

// Close flushes buffered records and closes the current file.
func (l *Logger) Close() error {
	if !l.enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Dropped reports how many records were discarded because the buffer was
// full.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Emit queues a record for writing. It never blocks: when the buffer is
// full the record is dropped and counted. Details are redacted before the
// record is queued.
func (l *Logger) Emit(rec Record) {
	if l == nil || !l.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Details != nil {
		if m, ok := security.Redact(rec.Details).(map[string]any); ok {
			rec.Details = m
		}
	}

	select {
	case l.buffer <- &rec:
	default:
		l.dropped.Add(1)
	}
}

// AuthSuccess records a successful authentication from source/ip.
func (l *Logger) AuthSuccess(source, ip string) {
	l.Emit(Record{Type: EventAuthSuccess, Source: source, IP: ip})
}

// AuthFailure records a failed authentication attempt.
func (l *Logger) AuthFailure(source, ip, reason string) {
	l.Emit(Record{
		Type:    EventAuthFailure,
		Source:  source,
		IP:      ip,
		Details: map[string]any{"reason": reason},
	})
}

// AuthBlocked records a lockout rejection issued before any token
// comparison.
func (l *Logger) AuthBlocked(source, ip string) {
	l.Emit(Record{Type: EventAuthBlocked, Source: source, IP: ip})
}

// Blocked records a security-guard rejection (path, command or URL).
func (l *Logger) Blocked(typ EventType, source string, details map[string]any) {
	l.Emit(Record{Type: typ, Source: source, Details: details})
}

// RateLimited records a rate-limit rejection for key.
func (l *Logger) RateLimited(source, key string) {
	l.Emit(Record{
		Type:    EventRateLimited,
		Source:  source,
		Details: map[string]any{"key": key},
	})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.buffer:
			l.write(rec)
		case <-ticker.C:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case rec := <-l.buffer:
			l.write(rec)
		default:
			return
		}
	}
}

func (l *Logger) write(rec *Record) {
	f, err := l.fileFor(rec.Timestamp)
	if err != nil {
		l.slogger.Error("open audit file", "error", err)
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.slogger.Error("marshal audit record", "error", err, "type", rec.Type)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		l.slogger.Error("write audit record", "error", err)
	}
}

// fileFor returns the open file for the record's UTC date, rolling to a
// new file when the date changes.
func (l *Logger) fileFor(ts time.Time) (*os.File, error) {
	date := ts.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDate == date {
		return l.file, nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.slogger.Warn("close audit file", "error", err)
		}
		l.file = nil
	}
	path := filepath.Join(l.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDate = date
	return f, nil
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = Nop()
)

// SetDefault replaces the process-wide audit logger. Tests swap in their
// own instance and restore the previous one.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if l == nil {
		l = Nop()
	}
	defaultLogger = l
}

// Default returns the process-wide audit logger. Never nil.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Emit queues a record on the default logger.
func Emit(rec Record) {
	Default().Emit(rec)
}
