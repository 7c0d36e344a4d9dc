// Package status defines the order status vocabulary and its mapping to the
// numeric status identifiers used by the external automation platform.
package status

import (
	"log/slog"
	"strconv"
)

// Status is an internal order status.
type Status string

const (
	New             Status = "new"
	InProgress      Status = "in_progress"
	AwaitingPayment Status = "awaiting_payment"
	Paid            Status = "paid"
	Shipped         Status = "shipped"
	Completed       Status = "completed"
	Cancelled       Status = "cancelled"
	Refunded        Status = "refunded"
)

// Initial is the status every newly opened order starts with.
const Initial = New

var all = []Status{New, InProgress, AwaitingPayment, Paid, Shipped, Completed, Cancelled, Refunded}

var terminal = map[Status]bool{
	Completed: true,
	Cancelled: true,
	Refunded:  true,
}

// All returns every known status in workflow order.
func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

// Terminal returns the statuses after which an order is never reused.
func Terminal() []Status {
	return []Status{Completed, Cancelled, Refunded}
}

// IsTerminal reports whether s closes the order for new activity.
func (s Status) IsTerminal() bool {
	return terminal[s]
}

// Valid reports whether s belongs to the vocabulary.
func (s Status) Valid() bool {
	for _, known := range all {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Mapper translates between internal statuses and platform status ids.
type Mapper struct {
	toExternal   map[Status]int64
	fromExternal map[int64]Status
	fallback     Status
	logger       *slog.Logger
}

// DefaultExternalIDs is the platform's stock numbering.
var DefaultExternalIDs = map[Status]int64{
	New:             1,
	InProgress:      2,
	AwaitingPayment: 3,
	Paid:            4,
	Shipped:         5,
	Completed:       6,
	Cancelled:       7,
	Refunded:        8,
}

// NewMapper builds a bidirectional mapper. A nil or empty ids map uses
// DefaultExternalIDs. Unknown external ids resolve to the initial status.
func NewMapper(ids map[Status]int64, logger *slog.Logger) *Mapper {
	if len(ids) == 0 {
		ids = DefaultExternalIDs
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mapper{
		toExternal:   make(map[Status]int64, len(ids)),
		fromExternal: make(map[int64]Status, len(ids)),
		fallback:     Initial,
		logger:       logger.With("component", "status_mapper"),
	}
	for st, id := range ids {
		m.toExternal[st] = id
		m.fromExternal[id] = st
	}
	return m
}

// FromExternal maps a platform status id. The second value is false when the
// id was not recognised and the fallback status was returned instead.
func (m *Mapper) FromExternal(id int64) (Status, bool) {
	if st, ok := m.fromExternal[id]; ok {
		return st, true
	}
	m.logger.Warn("Unknown external status id, using fallback", "external_id", id, "fallback", m.fallback)
	return m.fallback, false
}

// FromExternalString accepts ids delivered as strings by webhook payloads.
func (m *Mapper) FromExternalString(raw string) (Status, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if st := Status(raw); st.Valid() {
			return st, true
		}
		m.logger.Warn("Unparseable external status id, using fallback", "external_id", raw, "fallback", m.fallback)
		return m.fallback, false
	}
	return m.FromExternal(id)
}

// ToExternal maps an internal status to the platform id.
func (m *Mapper) ToExternal(s Status) (int64, bool) {
	id, ok := m.toExternal[s]
	return id, ok
}
