package bus

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectJobEvents carries job lifecycle transitions between processes.
const SubjectJobEvents = "jobfront.jobs.events"

// JobEvent is the wire form of a job lifecycle transition.
type JobEvent struct {
	JobID   string    `json:"job_id"`
	Name    string    `json:"name"`
	JobType string    `json:"job_type"`
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
}

// Publisher fans job events out to interested parties.
type Publisher interface {
	Publish(subject string, evt JobEvent) error
}

// Subscriber attaches handlers for job events.
type Subscriber interface {
	Subscribe(subject string, handler func(JobEvent)) error
}

// Noop drops every event. Used when no NATS URL is configured.
type Noop struct{}

func (Noop) Publish(string, JobEvent) error         { return nil }
func (Noop) Subscribe(string, func(JobEvent)) error { return nil }

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON job events.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("jobfront-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// IsConnected reports connection health for status endpoints.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Publish sends a JSON-encoded job event on the given subject.
func (b *NatsBus) Publish(subject string, evt JobEvent) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes job events and invokes the handler.
func (b *NatsBus) Subscribe(subject string, handler func(JobEvent)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	_, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var evt JobEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Printf("[BUS] drop malformed job event: %v", err)
			return
		}
		handler(evt)
	})
	return err
}
