// Package domain holds the core types of the attack-surveillance engine:
// ban events parsed from intrusion-prevention logs, per-address attacker
// records, behavioral classification, and the transient snapshot of the
// live ban daemon state.
//
// The package has no dependencies on adapters or infrastructure; everything
// here is plain data plus pure functions over it.
package domain

import (
	"net/netip"
	"time"
)

// BanAction is the kind of event observed for an address.
type BanAction string

const (
	ActionBan     BanAction = "BAN"
	ActionUnban   BanAction = "UNBAN"
	ActionAttempt BanAction = "ATTEMPT"
)

// EventOrigin records where an event came from: parsed out of a log file,
// or inferred by reconciliation against the live daemon state.
type EventOrigin string

const (
	OriginLog  EventOrigin = "LOG"
	OriginSync EventOrigin = "SYNC"
)

// BanEvent is a single observed ban, unban or failed attempt. Events are
// immutable once committed to the store.
type BanEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Addr      netip.Addr  `json:"addr"`
	Jail      string      `json:"jail"`
	Action    BanAction   `json:"action"`
	Origin    EventOrigin `json:"origin"`

	// FailsBeforeBan is the number of failed attempts observed immediately
	// preceding a BAN. Zero when unknown (SYNC events, attempts, unbans).
	FailsBeforeBan int `json:"fails_before_ban,omitempty"`
}

// Valid reports whether the event carries the minimum required fields.
func (e BanEvent) Valid() bool {
	return e.Addr.IsValid() && e.Jail != "" && !e.Timestamp.IsZero()
}

// SortEventsByTime orders events ascending by timestamp, which is the order
// the store requires within one append batch. The sort is stable so events
// from the same instant keep their source order.
func SortEventsByTime(events []BanEvent) {
	// insertion sort: batches are mostly sorted already (per-source order
	// is chronological), so this beats sort.Slice on the common case
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
