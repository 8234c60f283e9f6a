package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/target/sandstorm/internal/observability/notify"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
	err      error
}

func (r *recordingSink) SendJobFailure(_ context.Context, payload notify.JobFailurePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return r.err
}

func TestNotifyJobFailureFansOutToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "first", Sink: first},
			{Name: "second", Sink: second},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:  "job-1",
		Status: "failed",
	})

	assert.Len(t, first.payloads, 1)
	assert.Len(t, second.payloads, 1)
	assert.Equal(t, notify.SeverityCritical, first.payloads[0].Severity)
}

func TestNotifyJobFailureSinkErrorDoesNotBlockOthers(t *testing.T) {
	failing := &recordingSink{err: errors.New("webhook down")}
	healthy := &recordingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "failing", Sink: failing},
			{Name: "healthy", Sink: healthy},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})

	assert.Len(t, healthy.payloads, 1)
}

func TestNewServiceFiltersNilSinks(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "nil", Sink: nil},
		},
	})
	assert.False(t, svc.Enabled())

	svc = NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "real", Sink: &recordingSink{}},
		},
	})
	assert.True(t, svc.Enabled())
}

func TestNotifyJobFailureNoSinksIsNoop(t *testing.T) {
	svc := NewService(Options{})
	// Must not panic or block.
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})
}
