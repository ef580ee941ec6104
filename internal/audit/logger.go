package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"auditgate.org/internal/gateway"
	"auditgate.org/internal/ids"
	"auditgate.org/internal/obs"
)

var (
	// ErrClosed is returned by Log after Close.
	ErrClosed = errors.New("audit: logger closed")
	// ErrSpooled means the entry is held in the local spool, not the store.
	ErrSpooled = errors.New("audit: entry spooled")
	// ErrNotAcknowledged means the ack wait elapsed while the entry was still queued.
	ErrNotAcknowledged = errors.New("audit: entry not yet acknowledged")
)

const (
	defaultQueueSize    = 1024
	defaultWorkers      = 2
	defaultMaxAttempts  = 4
	defaultBackoff      = 100 * time.Millisecond
	defaultMaxBackoff   = 2 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultAckTimeout   = 3 * time.Second
	drainBatch          = 100
)

type job struct {
	entry gateway.LogEntry
	done  chan error
}

// Logger is the Access Logger: callers hand it an entry and wait for the
// store, the spool, or the ack timeout, whichever answers first. Write
// failures are retried with backoff, then spooled, then reported.
type Logger struct {
	store    gateway.AccessLogStore
	spool    *Spool
	reporter FailureReporter
	now      func() time.Time

	queueSize    int
	workers      int
	maxAttempts  int
	backoff      time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration
	ackTimeout   time.Duration

	queue  chan job
	stop   chan struct{}
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ gateway.AccessLogger = (*Logger)(nil)

// Option configures Logger behavior.
type Option func(*Logger)

// WithSpool enables the durable fallback for entries the store rejects.
func WithSpool(s *Spool) Option { return func(l *Logger) { l.spool = s } }

// WithReporter sets the hook told about persistent write failures.
func WithReporter(r FailureReporter) Option { return func(l *Logger) { l.reporter = r } }

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithQueueSize bounds the in-memory queue.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithWorkers sets the number of concurrent writers.
func WithWorkers(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithRetry sets the attempt count and initial backoff; backoff doubles up to max.
func WithRetry(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(l *Logger) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
		if backoff > 0 {
			l.backoff = backoff
		}
		if maxBackoff > 0 {
			l.maxBackoff = maxBackoff
		}
	}
}

// WithTimeouts bounds a single store write and how long Log waits for its ack.
func WithTimeouts(write, ack time.Duration) Option {
	return func(l *Logger) {
		if write > 0 {
			l.writeTimeout = write
		}
		if ack > 0 {
			l.ackTimeout = ack
		}
	}
}

// NewLogger starts the writer goroutines. Close must be called to flush them.
func NewLogger(store gateway.AccessLogStore, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit: access log store is required")
	}
	l := &Logger{
		store:        store,
		now:          time.Now,
		queueSize:    defaultQueueSize,
		workers:      defaultWorkers,
		maxAttempts:  defaultMaxAttempts,
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		writeTimeout: defaultWriteTimeout,
		ackTimeout:   defaultAckTimeout,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan job, l.queueSize)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.run()
	}
	return l, nil
}

// Log assigns the entry its identity, mirrors it to the audit line log and
// queues it. It returns nil once the store acknowledged the write; any other
// return is informational and the caller must carry on.
func (l *Logger) Log(ctx context.Context, entry gateway.LogEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	mirrorAccess(ctx, entry)

	j := job{entry: entry, done: make(chan error, 1)}
	if err := l.enqueue(ctx, j); err != nil {
		return err
	}

	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-j.done:
		return err
	case <-timer.C:
		return ErrNotAcknowledged
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) enqueue(ctx context.Context, j job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fallback(j.entry, ErrClosed)
		return ErrClosed
	}
	select {
	case l.queue <- j:
		obs.SetLogQueueDepth(len(l.queue))
		return nil
	default:
	}
	// Queue full: write through the spool rather than block the caller.
	err := errors.New("audit: queue full")
	return l.fallback(j.entry, err)
}

func (l *Logger) run() {
	defer l.wg.Done()
	for j := range l.queue {
		obs.SetLogQueueDepth(len(l.queue))
		j.done <- l.write(j.entry)
	}
}

func (l *Logger) write(entry gateway.LogEntry) error {
	delay := l.backoff
	var err error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err = l.store.AppendAccessLog(ctx, entry)
		cancel()
		if err == nil {
			obs.ObserveLogWrite("ok")
			return nil
		}
		if attempt == l.maxAttempts {
			break
		}
		obs.ObserveLogWrite("retry")
		obs.Warn("access log write failed", map[string]any{
			"entry_id": entry.ID, "session_id": entry.SessionID, "attempt": attempt, "err": err,
		})
		select {
		case <-time.After(delay):
		case <-l.stop:
			// Shutting down: no more sleeping, go straight to the spool.
			return l.fallback(entry, err)
		}
		delay *= 2
		if delay > l.maxBackoff {
			delay = l.maxBackoff
		}
	}
	return l.fallback(entry, err)
}

// fallback spools entry, or drops it when no spool is available or the spool
// itself fails. Either way the reporter hears about it.
func (l *Logger) fallback(entry gateway.LogEntry, cause error) error {
	fields := map[string]any{"entry_id": entry.ID, "session_id": entry.SessionID, "action": entry.Action, "err": cause}
	if l.spool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.spool.Put(ctx, entry, cause)
		cancel()
		if err == nil {
			obs.ObserveLogWrite("spooled")
			obs.Error("access log entry spooled", fields)
			l.report(entry, true, cause)
			return ErrSpooled
		}
		fields["spool_err"] = err
	}
	obs.ObserveLogWrite("dropped")
	obs.Error("access log entry dropped", fields)
	l.report(entry, false, cause)
	return cause
}

func (l *Logger) report(entry gateway.LogEntry, spooled bool, err error) {
	if l.reporter != nil {
		l.reporter.ReportLogFailure(entry, spooled, err)
	}
}

// Close stops accepting entries and waits for queued ones to be written,
// spooled or dropped.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(l.stop)
		<-done
		return ctx.Err()
	}
}

// DrainSpool re-submits spooled entries to the store, oldest first, and
// removes each one the store accepted. It stops at the first store failure.
func (l *Logger) DrainSpool(ctx context.Context) (int, error) {
	if l.spool == nil {
		return 0, ErrSpoolDisabled
	}
	drained := 0
	for {
		batch, err := l.spool.Pending(ctx, drainBatch)
		if err != nil {
			return drained, err
		}
		if len(batch) == 0 {
			return drained, nil
		}
		for _, entry := range batch {
			writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
			err := l.store.AppendAccessLog(writeCtx, entry)
			cancel()
			if err != nil {
				return drained, err
			}
			if err := l.spool.Remove(ctx, entry.ID); err != nil {
				return drained, err
			}
			drained++
			obs.ObserveLogWrite("ok")
		}
	}
}

// RunSpoolDrain drains the spool every interval until ctx is done.
func (l *Logger) RunSpoolDrain(ctx context.Context, interval time.Duration) {
	if l.spool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := l.DrainSpool(ctx)
		if n > 0 {
			obs.Info("spooled access log entries recovered", map[string]any{"count": n})
		}
		if err != nil && ctx.Err() == nil {
			obs.Warn("spool drain stopped", map[string]any{"err": err, "recovered": n})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
