// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vclock

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
)

// Clock is a vector clock: actor id → highest observed sequence.
// The zero value (nil) is a valid empty clock for reading; use New or
// Clone before writing.
type Clock map[ref.ActorID]uint64

// New returns an empty, writable clock.
func New() Clock {
	return make(Clock)
}

// Get returns the sequence for actor, 0 when absent.
func (c Clock) Get(actor ref.ActorID) uint64 {
	return c[actor]
}

// Set records seq for actor if it advances the clock. Entries never
// move backward; setting 0 is a no-op.
func (c Clock) Set(actor ref.ActorID, seq uint64) {
	if seq > c[actor] {
		c[actor] = seq
	}
}

// Merge folds other into c by pointwise maximum and reports whether c
// changed.
func (c Clock) Merge(other Clock) bool {
	changed := false
	for actor, seq := range other {
		if seq > c[actor] {
			c[actor] = seq
			changed = true
		}
	}
	return changed
}

// Merged returns the pointwise maximum of a and b without mutating
// either.
func Merged(a, b Clock) Clock {
	merged := a.Clone()
	merged.Merge(b)
	return merged
}

// LessEq reports whether c ≤ other pointwise: every entry of c is
// dominated by the corresponding entry of other.
func (c Clock) LessEq(other Clock) bool {
	for actor, seq := range c {
		if seq > other[actor] {
			return false
		}
	}
	return true
}

// Equal reports whether c and other are the same clock, treating
// missing and zero entries as equivalent.
func (c Clock) Equal(other Clock) bool {
	return c.LessEq(other) && other.LessEq(c)
}

// Actors returns the actors with nonzero entries, sorted
// lexicographically by base58 form.
func (c Clock) Actors() []ref.ActorID {
	actors := make([]ref.ActorID, 0, len(c))
	for actor, seq := range c {
		if seq > 0 {
			actors = append(actors, actor)
		}
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].String() < actors[j].String()
	})
	return actors
}

// Clone returns a writable copy. Clone of nil is an empty clock.
func (c Clock) Clone() Clock {
	cloned := make(Clock, len(c))
	for actor, seq := range c {
		if seq > 0 {
			cloned[actor] = seq
		}
	}
	return cloned
}

// Canonical returns a copy with zero entries removed. The encodings
// below sort keys, so canonical clocks are byte-equal iff Equal.
func (c Clock) Canonical() Clock {
	return c.Clone()
}

// IsEmpty reports whether the clock has no nonzero entries.
func (c Clock) IsEmpty() bool {
	for _, seq := range c {
		if seq > 0 {
			return false
		}
	}
	return true
}

// stringMap converts to the string-keyed form used by both encodings.
// Zero entries are dropped.
func (c Clock) stringMap() map[string]uint64 {
	out := make(map[string]uint64, len(c))
	for actor, seq := range c {
		if seq > 0 {
			out[actor.String()] = seq
		}
	}
	return out
}

func clockFromStringMap(raw map[string]uint64) (Clock, error) {
	clock := make(Clock, len(raw))
	for key, seq := range raw {
		actor, err := ref.ParseActorID(key)
		if err != nil {
			return nil, fmt.Errorf("vclock: %w", err)
		}
		if seq > 0 {
			clock[actor] = seq
		}
	}
	return clock, nil
}

// MarshalCBOR encodes the clock as a deterministic CBOR map of base58
// actor id → sequence.
func (c Clock) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(c.stringMap())
}

// UnmarshalCBOR decodes a CBOR clock map.
func (c *Clock) UnmarshalCBOR(data []byte) error {
	var raw map[string]uint64
	if err := codec.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("vclock: decoding clock: %w", err)
	}
	clock, err := clockFromStringMap(raw)
	if err != nil {
		return err
	}
	*c = clock
	return nil
}

// MarshalJSON encodes the clock as a JSON object with sorted base58
// actor id keys (encoding/json sorts string map keys).
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.stringMap())
}

// UnmarshalJSON decodes a JSON clock object.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("vclock: decoding clock: %w", err)
	}
	clock, err := clockFromStringMap(raw)
	if err != nil {
		return err
	}
	*c = clock
	return nil
}
