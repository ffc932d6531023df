// Package network implements the Layer 4 network manager: it owns control functions,
// transport instances, and the PGN callback registry, and is the single place that
// decides which of TP/ETP/Fast Packet/single-frame carries an outbound message
// (spec.md §4.6).
package network

import (
	"github.com/openisobus/isobus"
	"golang.org/x/exp/slices"
)

// Callback receives a fully reassembled message for a PGN it registered interest in.
type Callback func(msg isobus.Message)

// callbackRegistry maps a PGN to its subscribers. Deregistration during dispatch is safe:
// Dispatch iterates over a snapshot slice, and Deregister marks an entry removed rather
// than mutating the slice a Dispatch call may still be walking.
type callbackRegistry struct {
	byPGN map[isobus.PGN][]*registration
	next  int
}

type registration struct {
	id      int
	pgn     isobus.PGN
	fn      Callback
	removed bool
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{byPGN: make(map[isobus.PGN][]*registration)}
}

// Register adds fn as a subscriber for pgn and returns a token usable with Deregister.
func (r *callbackRegistry) Register(pgn isobus.PGN, fn Callback) int {
	r.next++
	reg := &registration{id: r.next, pgn: pgn, fn: fn}
	r.byPGN[pgn] = append(r.byPGN[pgn], reg)
	return reg.id
}

// Deregister removes the subscription identified by token, if it still exists.
func (r *callbackRegistry) Deregister(pgn isobus.PGN, token int) {
	regs := r.byPGN[pgn]
	for _, reg := range regs {
		if reg.id == token {
			reg.removed = true
		}
	}
}

// Dispatch invokes every live subscriber for msg.PGN with msg. Subscribers that
// deregister themselves (directly or via another subscriber) mid-dispatch do not affect
// the current pass, since the slice walked here is only mutated by append in Register,
// never by Deregister.
func (r *callbackRegistry) Dispatch(msg isobus.Message) {
	regs := r.byPGN[msg.PGN]
	for _, reg := range regs {
		if reg.removed {
			continue
		}
		reg.fn(msg)
	}
	r.compact(msg.PGN)
}

// compact drops removed registrations once dispatch for pgn has finished, so a PGN that
// is subscribed and unsubscribed repeatedly does not leak registration slots.
func (r *callbackRegistry) compact(pgn isobus.PGN) {
	live := slices.DeleteFunc(r.byPGN[pgn], func(reg *registration) bool { return reg.removed })
	if len(live) == 0 {
		delete(r.byPGN, pgn)
		return
	}
	r.byPGN[pgn] = live
}
