package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/signals"
	"github.com/vstride/vstride-bridge/internal/validation"
)

// DefaultPrefix is the root of every subject.
const DefaultPrefix = "vstride"

// CommandStop on the control subject asks the bridge to shut down.
const CommandStop = "stop"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Command is the payload accepted on the control subject.
type Command struct {
	Command string `json:"command" validate:"required,oneof=stop"`
	Reason  string `json:"reason,omitempty" validate:"max=200"`
}

// NATSPublisher publishes samples and events of one run and listens for
// remote stop commands.
type NATSPublisher struct {
	nc        Conn
	prefix    string
	runID     uuid.UUID
	validator *validation.Validator
}

// NewNATSPublisher creates a publisher for runID. An empty prefix means
// DefaultPrefix.
func NewNATSPublisher(nc Conn, prefix string, runID uuid.UUID) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, runID: runID, validator: validation.NewValidator()}
}

func (p *NATSPublisher) subject(kind string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, p.runID, kind)
}

// SampleSubject is <prefix>.<run>.sample.
func (p *NATSPublisher) SampleSubject() string { return p.subject("sample") }

// EventSubject is <prefix>.<run>.event.
func (p *NATSPublisher) EventSubject() string { return p.subject("event") }

// ControlSubject is <prefix>.<run>.control.
func (p *NATSPublisher) ControlSubject() string { return p.subject("control") }

func (p *NATSPublisher) OnSample(s models.Sample) {
	p.publish(p.SampleSubject(), s)
}

func (p *NATSPublisher) OnEvent(e models.Event) {
	p.publish(p.EventSubject(), e)
}

func (p *NATSPublisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("encode telemetry failed")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish to NATS failed")
	}
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Supported() bool { return true }

// Watch subscribes to the control subject and fires trigger on a stop
// command. The subscription ends with ctx.
func (p *NATSPublisher) Watch(ctx context.Context, trigger signals.Trigger) {
	subject := p.ControlSubject()
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid control message")
			return
		}
		if err := p.validator.Validate(cmd); err != nil {
			log.Warn().Err(err).Str("command", cmd.Command).Msg("rejected control command")
			return
		}
		log.Info().Str("reason", cmd.Reason).Msg("remote stop over NATS")
		trigger(p.Name())
	})
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("subscribe control subject failed")
		return
	}

	log.Info().Str("subject", subject).Msg("listening for control commands")
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("unsubscribe control subject failed")
		}
	}()
}
