// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
)

// elemID identifies one inserted element: a lamport counter plus the
// inserting actor. Concurrent siblings order by (counter, actor)
// descending, which is what makes integration convergent.
type elemID struct {
	Counter uint64 `cbor:"c"`
	Actor   string `cbor:"a"`
}

func (id elemID) isZero() bool { return id.Counter == 0 && id.Actor == "" }

// greater orders sibling elements: higher counter first, actor id as
// the deterministic tie-break.
func (id elemID) greater(other elemID) bool {
	if id.Counter != other.Counter {
		return id.Counter > other.Counter
	}
	return id.Actor > other.Actor
}

// listOp is one integrated operation. Kind "ins" inserts Value (a
// single rune) with identity ID after element After (zero After means
// the head); kind "del" tombstones ID.
type listOp struct {
	Kind  string `cbor:"kind"`
	ID    elemID `cbor:"id"`
	After elemID `cbor:"after,omitempty"`
	Value string `cbor:"value,omitempty"`
}

// EditOp is one frontend-level edit: index-addressed insert or
// delete. ApplyLocal translates edits into integrated operations
// against the current visible sequence.
type EditOp struct {
	Kind  string `cbor:"kind"` // "insert" | "delete"
	Index uint64 `cbor:"index"`
	Text  string `cbor:"text,omitempty"`
	Count uint64 `cbor:"count,omitempty"`
}

// InsertAt builds an edit inserting text before the element at index.
func InsertAt(index uint64, text string) EditOp {
	return EditOp{Kind: "insert", Index: index, Text: text}
}

// DeleteAt builds an edit deleting count elements starting at index.
func DeleteAt(index, count uint64) EditOp {
	return EditOp{Kind: "delete", Index: index, Count: count}
}

// NewEditRequest packs edits into a Request for ApplyLocal.
func NewEditRequest(ops ...EditOp) (Request, error) {
	raw, err := codec.Marshal(ops)
	if err != nil {
		return Request{}, fmt.Errorf("crdt: encoding edit request: %w", err)
	}
	return Request{Ops: raw}, nil
}

// TextPatch is the patch type ListEngine emits: the full materialized
// text after the triggering changes. Real frontends diff against
// their previous copy; tests compare directly.
type TextPatch struct {
	Text    string `json:"text"`
	History uint64 `json:"history"`
}

type element struct {
	id      elemID
	value   rune
	deleted bool
}

type listState struct {
	elements []element
	// applied is the highest integrated sequence per actor; dense by
	// the backend's delivery guarantee.
	applied map[ref.ActorID]uint64
	lamport uint64
	log     []Change
	// pending holds changes whose referenced elements have not
	// arrived yet (cross-actor causality gaps). Retried after every
	// successful integration.
	pending []Change
}

// ListEngine is the reference Engine: a replicated rune sequence.
// The zero value is ready to use; a single instance serves any number
// of documents.
type ListEngine struct{}

// NewListEngine returns the reference engine.
func NewListEngine() *ListEngine { return &ListEngine{} }

func newListState() *listState {
	return &listState{applied: make(map[ref.ActorID]uint64)}
}

// Init implements Engine.
func (e *ListEngine) Init(changes []Change) (State, Patch, error) {
	state := newListState()
	for _, change := range changes {
		if err := state.deliver(change); err != nil {
			return nil, nil, err
		}
	}
	return state, state.patch(), nil
}

// ApplyLocal implements Engine.
func (e *ListEngine) ApplyLocal(rawState State, actor ref.ActorID, request Request) (State, Change, Patch, error) {
	state, err := asListState(rawState)
	if err != nil {
		return nil, Change{}, nil, err
	}

	var edits []EditOp
	if err := codec.Unmarshal(request.Ops, &edits); err != nil {
		return nil, Change{}, nil, fmt.Errorf("crdt: decoding edit request: %w", err)
	}

	ops, err := state.translate(actor, edits)
	if err != nil {
		return nil, Change{}, nil, err
	}
	raw, err := codec.Marshal(ops)
	if err != nil {
		return nil, Change{}, nil, fmt.Errorf("crdt: encoding ops: %w", err)
	}
	change := Change{
		Actor: actor,
		Seq:   state.applied[actor] + 1,
		Ops:   raw,
	}
	if err := state.deliver(change); err != nil {
		return nil, Change{}, nil, err
	}
	return state, change, state.patch(), nil
}

// ApplyRemote implements Engine.
func (e *ListEngine) ApplyRemote(rawState State, changes []Change) (State, Patch, error) {
	state, err := asListState(rawState)
	if err != nil {
		return nil, nil, err
	}
	for _, change := range changes {
		if err := state.deliver(change); err != nil {
			return nil, nil, err
		}
	}
	return state, state.patch(), nil
}

// History implements Engine.
func (e *ListEngine) History(rawState State) uint64 {
	state, err := asListState(rawState)
	if err != nil {
		return 0
	}
	return uint64(len(state.log))
}

// HistoryPrefix implements Engine.
func (e *ListEngine) HistoryPrefix(rawState State, n uint64) ([]Change, error) {
	state, err := asListState(rawState)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(state.log)) {
		return nil, fmt.Errorf("crdt: history prefix %d exceeds %d applied changes", n, len(state.log))
	}
	prefix := make([]Change, n)
	copy(prefix, state.log[:n])
	return prefix, nil
}

// Materialize implements Engine. history 0 renders the full current
// state; otherwise the first history changes are replayed into a
// fresh state.
func (e *ListEngine) Materialize(rawState State, history uint64) (any, error) {
	state, err := asListState(rawState)
	if err != nil {
		return nil, err
	}
	if history == 0 || history == uint64(len(state.log)) {
		return state.text(), nil
	}
	prefix, err := e.HistoryPrefix(state, history)
	if err != nil {
		return nil, err
	}
	replayed := newListState()
	for _, change := range prefix {
		if err := replayed.deliver(change); err != nil {
			return nil, err
		}
	}
	return replayed.text(), nil
}

func asListState(rawState State) (*listState, error) {
	state, ok := rawState.(*listState)
	if !ok {
		return nil, fmt.Errorf("crdt: state is %T, not a list engine state", rawState)
	}
	return state, nil
}

// deliver integrates one change, retrying pended changes afterwards.
// Duplicates are ignored; a sequence gap or missing reference pends
// the change until its prerequisites arrive.
func (s *listState) deliver(change Change) error {
	status, err := s.integrate(change)
	if err != nil {
		return err
	}
	if status == integrateDeferred {
		s.pending = append(s.pending, change)
		return nil
	}
	// A successful integration may unblock pended changes; iterate to
	// fixpoint.
	for status == integrateApplied {
		status = integrateDeferred
		remaining := s.pending[:0]
		for _, pended := range s.pending {
			pendedStatus, err := s.integrate(pended)
			if err != nil {
				return err
			}
			switch pendedStatus {
			case integrateDeferred:
				remaining = append(remaining, pended)
			case integrateApplied:
				status = integrateApplied
			}
		}
		s.pending = remaining
	}
	return nil
}

type integrateStatus int

const (
	integrateApplied integrateStatus = iota
	integrateDuplicate
	integrateDeferred
)

func (s *listState) integrate(change Change) (integrateStatus, error) {
	applied := s.applied[change.Actor]
	if change.Seq <= applied {
		return integrateDuplicate, nil
	}
	if change.Seq != applied+1 {
		return integrateDeferred, nil
	}

	var ops []listOp
	if err := codec.Unmarshal(change.Ops, &ops); err != nil {
		return 0, fmt.Errorf("crdt: decoding ops for %s/%d: %w", change.Actor, change.Seq, err)
	}

	// All references must resolve before any op lands — a change is
	// integrated atomically or not at all. An op may reference an
	// element inserted earlier in the same change.
	introduced := make(map[elemID]bool, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case "ins":
			if !op.After.isZero() && s.find(op.After) < 0 && !introduced[op.After] {
				return integrateDeferred, nil
			}
			introduced[op.ID] = true
		case "del":
			if s.find(op.ID) < 0 && !introduced[op.ID] {
				return integrateDeferred, nil
			}
		default:
			return 0, fmt.Errorf("crdt: unknown op kind %q in %s/%d", op.Kind, change.Actor, change.Seq)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case "ins":
			s.insert(op)
		case "del":
			if pos := s.find(op.ID); pos >= 0 {
				s.elements[pos].deleted = true
			}
		}
	}

	s.applied[change.Actor] = change.Seq
	s.log = append(s.log, change)
	return integrateApplied, nil
}

// insert places op's element using the RGA rule: start just after the
// predecessor, then skip over any sibling with a greater id, so
// concurrent inserts after the same predecessor land in the same
// order on every replica.
func (s *listState) insert(op listOp) {
	if s.find(op.ID) >= 0 {
		return
	}
	position := 0
	if !op.After.isZero() {
		position = s.find(op.After) + 1
	}
	for position < len(s.elements) && s.elements[position].id.greater(op.ID) {
		position++
	}

	var value rune
	for _, r := range op.Value {
		value = r
		break
	}
	s.elements = append(s.elements, element{})
	copy(s.elements[position+1:], s.elements[position:])
	s.elements[position] = element{id: op.ID, value: value}

	if op.ID.Counter > s.lamport {
		s.lamport = op.ID.Counter
	}
}

func (s *listState) find(id elemID) int {
	for i := range s.elements {
		if s.elements[i].id == id {
			return i
		}
	}
	return -1
}

// visible returns indices of non-tombstoned elements in order.
func (s *listState) visible() []int {
	out := make([]int, 0, len(s.elements))
	for i := range s.elements {
		if !s.elements[i].deleted {
			out = append(out, i)
		}
	}
	return out
}

// translate converts index-addressed edits into integrated ops
// against the current visible sequence, assigning fresh ids.
func (s *listState) translate(actor ref.ActorID, edits []EditOp) ([]listOp, error) {
	// Work on a copy of the visible view so multi-op edits address
	// positions consistently as earlier ops in the same change take
	// effect.
	view := make([]elemID, 0, len(s.elements))
	for _, i := range s.visible() {
		view = append(view, s.elements[i].id)
	}

	var ops []listOp
	actorKey := actor.String()
	for _, edit := range edits {
		switch edit.Kind {
		case "insert":
			if edit.Index > uint64(len(view)) {
				return nil, fmt.Errorf("crdt: insert at %d beyond length %d", edit.Index, len(view))
			}
			after := elemID{}
			if edit.Index > 0 {
				after = view[edit.Index-1]
			}
			insertAt := int(edit.Index)
			for _, r := range edit.Text {
				s.lamport++
				id := elemID{Counter: s.lamport, Actor: actorKey}
				ops = append(ops, listOp{Kind: "ins", ID: id, After: after, Value: string(r)})
				view = append(view, elemID{})
				copy(view[insertAt+1:], view[insertAt:])
				view[insertAt] = id
				after = id
				insertAt++
			}

		case "delete":
			if edit.Index+edit.Count > uint64(len(view)) {
				return nil, fmt.Errorf("crdt: delete [%d,%d) beyond length %d", edit.Index, edit.Index+edit.Count, len(view))
			}
			for i := uint64(0); i < edit.Count; i++ {
				ops = append(ops, listOp{Kind: "del", ID: view[edit.Index]})
				view = append(view[:edit.Index], view[edit.Index+1:]...)
			}

		default:
			return nil, fmt.Errorf("crdt: unknown edit kind %q", edit.Kind)
		}
	}
	return ops, nil
}

func (s *listState) text() string {
	runes := make([]rune, 0, len(s.elements))
	for i := range s.elements {
		if !s.elements[i].deleted {
			runes = append(runes, s.elements[i].value)
		}
	}
	return string(runes)
}

func (s *listState) patch() Patch {
	return TextPatch{Text: s.text(), History: uint64(len(s.log))}
}
