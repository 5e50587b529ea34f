package realtime

import (
	"context"
	"encoding/json"
	"time"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/readmodel"

	"github.com/rs/zerolog"
)

const EnvelopeQueueUpdated = "queue.updated"

// DayReader is the slice of the token store the publisher needs.
type DayReader interface {
	ListForDoctorDay(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error)
}

type Envelope struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type QueueUpdate struct {
	Token   models.Token   `json:"token"`
	Summary models.Summary `json:"summary"`
}

type Publisher struct {
	hub                 *Hub
	reader              DayReader
	defaultConsultation time.Duration
	timeout             time.Duration
	now                 func() time.Time
	log                 zerolog.Logger
}

type PublisherOptions struct {
	DefaultConsultation time.Duration
	Timeout             time.Duration
	Now                 func() time.Time
	Logger              zerolog.Logger
}

func NewPublisher(hub *Hub, reader DayReader, opts PublisherOptions) *Publisher {
	if opts.DefaultConsultation <= 0 {
		opts.DefaultConsultation = readmodel.DefaultConsultation
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Publisher{
		hub:                 hub,
		reader:              reader,
		defaultConsultation: opts.DefaultConsultation,
		timeout:             opts.Timeout,
		now:                 opts.Now,
		log:                 opts.Logger,
	}
}

// Publish recomputes the doctor's summary for the token's day and sends it
// to every client watching that doctor. Failures are logged only; the
// mutation that triggered the push has already committed.
func (p *Publisher) Publish(ctx context.Context, token models.Token, eventType string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tokens, err := p.reader.ListForDoctorDay(ctx, token.DoctorID, token.ServiceDay)
	if err != nil {
		p.log.Error().Err(err).Str("doctor_id", token.DoctorID).Msg("load queue for push")
		return
	}
	now := p.now()
	update := QueueUpdate{
		Token:   token,
		Summary: readmodel.Summarize(token.DoctorID, token.ServiceDay, tokens, now, p.defaultConsultation),
	}
	body, err := json.Marshal(update)
	if err != nil {
		p.log.Error().Err(err).Msg("encode queue update")
		return
	}
	payload, err := json.Marshal(Envelope{
		Type:      EnvelopeQueueUpdated,
		Event:     eventType,
		Payload:   body,
		CreatedAt: now,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("encode envelope")
		return
	}
	p.hub.Broadcast(payload, Subscription{DoctorID: token.DoctorID})
}
