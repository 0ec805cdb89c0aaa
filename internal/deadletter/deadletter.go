// Package deadletter publishes terminal warm failures to an NSQ topic so
// they can be replayed once the upstream recovers.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/metrics"
	"github.com/arkturian/warmctl/internal/tracing"
)

const EnvelopeType = "warm.failure"

// Envelope is the dead-letter schema. It carries enough to rebuild the
// descriptor and correlate with the originating trace.
type Envelope struct {
	Type         string            `json:"type"`    // "warm.failure"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 emission time
	Kind         string            `json:"kind"`    // embed or image
	Key          string            `json:"key"`     // descriptor identity
	Attempts     int               `json:"attempts"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Reason       string            `json:"reason"` // classified failure reason
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEnvelope builds the dead-letter envelope for one failed outcome.
func NewEnvelope(ctx context.Context, kind string, o dispatch.Outcome) Envelope {
	env := Envelope{
		Type:     EnvelopeType,
		Version:  "v1",
		At:       time.Now().Format(time.RFC3339Nano),
		Kind:     kind,
		Key:      o.Desc.Key(),
		Attempts: o.Attempts,
		Reason:   dispatch.FailureReason(o.Err),
	}
	if o.Err != nil {
		env.LastError = o.Err.Error()
		var he *dispatch.HTTPError
		if errors.As(o.Err, &he) {
			env.HTTPStatus = he.Status
		}
	}
	if headers := tracing.InjectCarrier(ctx); len(headers) > 0 {
		env.TraceHeaders = headers
	}
	return env
}

// Publisher writes envelopes to the configured NSQ topic.
type Publisher struct {
	producer *nsq.Producer
	topic    string
}

func NewPublisher(nsqdTCPAddr, topic string) (*Publisher, error) {
	producer, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

// Publish sends one envelope and counts it.
func (p *Publisher) Publish(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return err
	}
	metrics.RecordDeadLetter(env.Reason)
	return nil
}

func (p *Publisher) Stop() {
	p.producer.Stop()
}
