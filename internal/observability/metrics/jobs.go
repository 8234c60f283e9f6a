// Package metrics standardises lifecycle metric emission for orchestrated jobs.
package metrics

import (
	"time"

	obserrors "github.com/target/sandstorm/internal/observability/errors"
	"github.com/target/sandstorm/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
// Transition names the state-machine edge ("provision", "launch", "succeeded",
// "timed_out", ...); Result records whether this process applied it, lost the
// race (noop), or errored.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitWebhookAck emits one counter per webhook acknowledgment.
func EmitWebhookAck(sink statsd.Sink, kind, ack string) {
	if sink == nil {
		return
	}
	sink.Count("webhook.ack", 1, map[string]string{"kind": kind, "ack": ack})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
