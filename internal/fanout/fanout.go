// Package fanout delivers best-effort change notifications to real-time
// subscribers. Emission never blocks or fails the write that triggered it.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventOrderCreated   = "order.created"
	EventOrderUpdated   = "order.updated"
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventContactUpdated = "contact.updated"
)

// GlobalChannel receives every event.
const GlobalChannel = "global"

// OrderChannel is the channel scoped to one order correlation id.
func OrderChannel(mainID int64) string { return "order." + strconv.FormatInt(mainID, 10) }

// ContactChannel is the channel scoped to one contact.
func ContactChannel(contactID int64) string { return "contact." + strconv.FormatInt(contactID, 10) }

// Emitter publishes a named event with a payload to a channel.
type Emitter interface {
	Emit(ctx context.Context, channel, event string, payload any) error
}

// Meta describes an emitted event.
type Meta struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
}

// Envelope is the wire form shared by every transport.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps a payload with a fresh event id and the current time.
func NewEnvelope(channel, event string, payload any) Envelope {
	return Envelope{
		Meta: Meta{ID: uuid.NewString(), Channel: channel, Type: event, Time: time.Now().UTC()},
		Data: payload,
	}
}

// Multi emits to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, channel, event string, payload any) error {
	var errList []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, channel, event, payload); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, string, string, any) error { return nil }

// Broadcast emits one event on several channels and only logs failures.
func Broadcast(ctx context.Context, e Emitter, logger *slog.Logger, event string, payload any, channels ...string) {
	if e == nil {
		return
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if err := e.Emit(ctx, ch, event, payload); err != nil && logger != nil {
			logger.WarnContext(ctx, "Fan-out emit failed", "channel", ch, "event", event, "error", err)
		}
	}
}
