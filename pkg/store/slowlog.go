package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// slowQueryThreshold is the duration beyond which a query is recorded.
const slowQueryThreshold = time.Second

// slowQueryCapacity is the size of the diagnosis ring buffer.
const slowQueryCapacity = 100

// maxRecordedQueryLen truncates query strings kept in the ring buffer.
const maxRecordedQueryLen = 512

// SlowQuery is one recorded slow statement.
type SlowQuery struct {
	Query    string
	Duration time.Duration
	Rows     int64
	At       time.Time
}

// slowQueryLog is a gorm logger that keeps the last N slow queries in a ring
// buffer and forwards errors to the structured log. Normal statement logging
// stays silent.
type slowQueryLog struct {
	mu      sync.Mutex
	entries []SlowQuery
	next    int
}

func newSlowQueryLog() *slowQueryLog {
	return &slowQueryLog{
		entries: make([]SlowQuery, 0, slowQueryCapacity),
	}
}

// LogMode implements gorm's logger interface; level changes are ignored.
func (l *slowQueryLog) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *slowQueryLog) Info(ctx context.Context, msg string, args ...any)  {}
func (l *slowQueryLog) Warn(ctx context.Context, msg string, args ...any)  {}
func (l *slowQueryLog) Error(ctx context.Context, msg string, args ...any) {}

// Trace records slow statements and logs classified errors with the query
// truncated.
func (l *slowQueryLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		query, _ := fc()
		logger.ErrorCtx(ctx, "database error",
			logger.KeyError, err.Error(),
			"query", truncateQuery(query),
			logger.KeyDurationMs, float64(elapsed.Microseconds())/1000.0,
		)
	}

	if elapsed < slowQueryThreshold {
		return
	}

	query, rows := fc()
	l.record(SlowQuery{
		Query:    truncateQuery(query),
		Duration: elapsed,
		Rows:     rows,
		At:       begin,
	})
}

func (l *slowQueryLog) record(q SlowQuery) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < slowQueryCapacity {
		l.entries = append(l.entries, q)
		l.next = len(l.entries) % slowQueryCapacity
		return
	}
	l.entries[l.next] = q
	l.next = (l.next + 1) % slowQueryCapacity
}

func (l *slowQueryLog) snapshot() []SlowQuery {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SlowQuery, len(l.entries))
	copy(out, l.entries)
	return out
}

func truncateQuery(q string) string {
	if len(q) > maxRecordedQueryLen {
		return q[:maxRecordedQueryLen] + "..."
	}
	return q
}

// SlowQueries returns a copy of the recorded slow-query ring buffer.
func (s *Store) SlowQueries() []SlowQuery {
	return s.slowLog.snapshot()
}
