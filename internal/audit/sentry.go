package audit

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"auditgate.org/internal/gateway"
)

// FailureReporter is told about every entry that could not reach the primary
// store after all retries, whether it was spooled or dropped.
type FailureReporter interface {
	ReportLogFailure(entry gateway.LogEntry, spooled bool, err error)
}

// ReporterFunc adapts a function to FailureReporter.
type ReporterFunc func(entry gateway.LogEntry, spooled bool, err error)

func (f ReporterFunc) ReportLogFailure(entry gateway.LogEntry, spooled bool, err error) {
	f(entry, spooled, err)
}

// SentryReporter ships log-write failures to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter initializes the global Sentry client.
func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:          dsn,
		Environment:  environment,
		IgnoreErrors: []string{"write: broken pipe"},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to init Sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.CurrentHub()}, nil
}

// NewSentryReporterWithHub uses an already configured hub.
func NewSentryReporterWithHub(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) ReportLogFailure(entry gateway.LogEntry, spooled bool, err error) {
	if err == nil {
		err = fmt.Errorf("access log entry %s not written", entry.ID)
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", entry.SessionID)
		scope.SetTag("organization_id", entry.OrganizationID)
		scope.SetTag("action", string(entry.Action))
		scope.SetTag("spooled", fmt.Sprint(spooled))
		scope.SetExtra("entry", entry)
		if spooled {
			scope.SetLevel(sentry.LevelWarning)
		} else {
			scope.SetLevel(sentry.LevelError)
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
