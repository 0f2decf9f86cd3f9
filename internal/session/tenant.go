// Package session owns per-tenant conversation state: owner binding,
// the broadcast dialog state machine, and the tenant registry. One
// tenant's events are processed one at a time, so dialog state needs no
// locking beyond the per-tenant mutex the manager holds while
// dispatching.
package session

import (
	"os"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/directory"
	"groupcast/internal/transport"
)

// Mode selects what payload kind the tenant is composing.
type Mode int

const (
	ModeText Mode = iota
	ModeImage
)

func (m Mode) String() string {
	if m == ModeImage {
		return "image"
	}
	return "text"
}

// DialogState is the tenant's position in the broadcast dialog. Invalid
// transitions are rejected by the transition methods rather than
// silently absorbed.
type DialogState int

const (
	StateIdle DialogState = iota
	StateAwaitingPayload
	StateAwaitingSelection
	StateBroadcasting
)

func (s DialogState) String() string {
	switch s {
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return "idle"
	}
}

// promptOption is one numbered choice in a category prompt. An empty
// category denotes the synthetic "ALL" option.
type promptOption struct {
	Label    string
	Category string
}

const echoSuppressCap = 64

// echoSet is a small bounded FIFO set of recently self-sent message ids.
type echoSet struct {
	ids   map[string]struct{}
	order []string
}

func newEchoSet() *echoSet {
	return &echoSet{ids: map[string]struct{}{}}
}

func (e *echoSet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := e.ids[id]; ok {
		return
	}
	e.ids[id] = struct{}{}
	e.order = append(e.order, id)
	for len(e.order) > echoSuppressCap {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.ids, oldest)
	}
}

// TakeOut removes id from the set, reporting whether it was present.
func (e *echoSet) TakeOut(id string) bool {
	if _, ok := e.ids[id]; !ok {
		return false
	}
	delete(e.ids, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Tenant is one broadcasting account's isolated state.
type Tenant struct {
	ID string

	mu sync.Mutex

	ownerID string // bound on first inbound message, immutable after
	mode    Mode
	pending *transport.Payload

	dialog        DialogState
	promptOptions []promptOption
	promptSeq     int // invalidates stale selection timers
	selectTimer   *time.Timer

	Directory  *directory.Directory
	Categories *directory.Categories
	Broadcast  *broadcast.State

	echo *echoSet
}

func newTenant(id string) *Tenant {
	return &Tenant{
		ID:         id,
		Directory:  directory.New(),
		Categories: directory.NewCategories(),
		Broadcast:  &broadcast.State{},
		echo:       newEchoSet(),
	}
}

// Owner returns the bound controlling conversation id ("" if unbound).
func (t *Tenant) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ownerID
}

// State returns the current dialog state.
func (t *Tenant) State() DialogState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialog
}

// stopSelectTimerLocked clears the selection timeout. Every terminal
// transition out of StateAwaitingSelection goes through here.
func (t *Tenant) stopSelectTimerLocked() {
	if t.selectTimer != nil {
		t.selectTimer.Stop()
		t.selectTimer = nil
	}
	t.promptSeq++
	t.promptOptions = nil
}

// discardPendingLocked drops an uncommitted payload. A stored image is
// deleted here because no run will ever own it.
func (t *Tenant) discardPendingLocked() {
	if t.pending != nil && t.pending.Kind == transport.PayloadImage && t.pending.Image != "" {
		_ = os.Remove(t.pending.Image)
	}
	t.pending = nil
}

// resetLocked drops the pending payload and prompt state and parks the
// dialog in Idle.
func (t *Tenant) resetLocked() {
	t.stopSelectTimerLocked()
	t.discardPendingLocked()
	t.dialog = StateIdle
}
