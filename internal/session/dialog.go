package session

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// HandleInbound dispatches one inbound event into the tenant's dialog.
// Events from anyone but the bound owner are ignored, as are echoes of
// the tenant's own system replies.
func (m *Manager) HandleInbound(ctx context.Context, tenantID string, ev transport.Event) {
	t := m.Tenant(ctx, tenantID)

	t.mu.Lock()
	if t.echo.TakeOut(ev.MessageID) {
		t.mu.Unlock()
		return
	}
	if ev.SelfEcho {
		t.mu.Unlock()
		return
	}
	if t.ownerID == "" {
		t.ownerID = ev.SenderID
		m.log.Info("owner bound", logx.String("tenant", t.ID), logx.String("owner", ev.SenderID))
	}
	if ev.SenderID != t.ownerID {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	text := strings.TrimSpace(ev.Text)
	switch {
	case ev.Kind == transport.EventText && strings.HasPrefix(text, "/"):
		m.handleCommand(ctx, t, text)
	case ev.Kind == transport.EventImage:
		m.handleImage(ctx, t, ev)
	case ev.Kind == transport.EventText:
		m.handleText(ctx, t, text)
	}
}

func (m *Manager) handleCommand(ctx context.Context, t *Tenant, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/text":
		m.switchMode(ctx, t, ModeText)
	case "/image":
		m.switchMode(ctx, t, ModeImage)
	case "/cancel":
		m.cancel(ctx, t)
	case "/scan":
		n, err := m.Scan(ctx, t.ID)
		if err != nil {
			m.notifyOwner(ctx, t, "Scan failed: "+err.Error())
			return
		}
		m.notifyOwner(ctx, t, fmt.Sprintf("Scan done: %d group(s) known, %d newly categorized.", t.Directory.Len(), n))
	case "/clean":
		rep, err := m.Clean(ctx, t.ID)
		if err != nil {
			m.notifyOwner(ctx, t, "Clean failed: "+err.Error())
			return
		}
		m.notifyOwner(ctx, t, fmt.Sprintf("Clean done: %d kept, %d fixed, %d dropped.", rep.Kept, rep.Fixed, rep.Dropped))
	case "/status":
		m.status(ctx, t)
	case "/help":
		m.notifyOwner(ctx, t, helpText)
	default:
		m.notifyOwner(ctx, t, "Unknown command. Send /help for the command list.")
	}
}

const helpText = `Commands:
/text - compose a text broadcast
/image - compose an image broadcast
/scan - refresh the group directory
/clean - re-resolve category entries
/status - show dialog and pacing state
/cancel - cancel the current operation
/help - this list`

func (m *Manager) switchMode(ctx context.Context, t *Tenant, mode Mode) {
	t.mu.Lock()
	if t.dialog == StateBroadcasting {
		t.mu.Unlock()
		m.notifyOwner(ctx, t, "A broadcast is running. /cancel it before switching modes.")
		return
	}
	t.stopSelectTimerLocked()
	t.discardPendingLocked()
	t.mode = mode
	t.dialog = StateAwaitingPayload
	t.mu.Unlock()

	if mode == ModeImage {
		m.notifyOwner(ctx, t, "Image mode. Send the image (the caption travels with it).")
		return
	}
	m.notifyOwner(ctx, t, "Text mode. Send the message to broadcast.")
}

func (m *Manager) cancel(ctx context.Context, t *Tenant) {
	t.mu.Lock()
	wasBroadcasting := t.dialog == StateBroadcasting
	if wasBroadcasting {
		// Only flag an actual run; a stale request would abort the next
		// broadcast before its first send.
		t.Broadcast.RequestCancel()
	}
	t.resetLocked()
	t.mu.Unlock()

	if wasBroadcasting {
		m.notifyOwner(ctx, t, "Cancelling: the in-flight send finishes, nothing else starts.")
		return
	}
	m.notifyOwner(ctx, t, "Cancelled.")
}

func (m *Manager) status(ctx context.Context, t *Tenant) {
	t.mu.Lock()
	state := t.dialog
	mode := t.mode
	t.mu.Unlock()

	msg := fmt.Sprintf("State: %s, mode: %s, groups: %d.", state, mode, t.Directory.Len())
	if backoff := t.Broadcast.BackoffMs(); backoff > 0 {
		msg += fmt.Sprintf(" Throttle cooldown: %s.", time.Duration(backoff)*time.Millisecond)
	}
	m.notifyOwner(ctx, t, msg)
}

func (m *Manager) handleText(ctx context.Context, t *Tenant, text string) {
	t.mu.Lock()
	switch t.dialog {
	case StateAwaitingSelection:
		if t.pending == nil {
			t.resetLocked()
			t.mu.Unlock()
			m.notifyOwner(ctx, t, "Nothing pending anymore. Start over with /text or /image.")
			return
		}
		m.handleSelectionLocked(ctx, t, text)
	case StateAwaitingPayload:
		if t.mode != ModeText {
			t.mu.Unlock()
			m.notifyOwner(ctx, t, "Image mode is active. Send an image, or switch with /text.")
			return
		}
		if text == "" {
			t.mu.Unlock()
			return
		}
		p := transport.TextPayload(text)
		t.pending = &p
		m.promptSelectionLocked(ctx, t)
	case StateBroadcasting:
		t.mu.Unlock()
		m.notifyOwner(ctx, t, "A broadcast is running. /cancel to stop it.")
	default:
		t.mu.Unlock()
		m.notifyOwner(ctx, t, "Start with /text or /image. /help for everything else.")
	}
}

func (m *Manager) handleImage(ctx context.Context, t *Tenant, ev transport.Event) {
	t.mu.Lock()
	if t.dialog != StateAwaitingPayload || t.mode != ModeImage {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	path, err := m.storeImage(ev.Image)
	if err != nil {
		m.log.Error("image store failed", logx.String("tenant", t.ID), logx.Err(err))
		m.notifyOwner(ctx, t, "Could not store the image, try again.")
		return
	}

	t.mu.Lock()
	if t.dialog != StateAwaitingPayload || t.mode != ModeImage {
		t.mu.Unlock()
		return
	}
	p := transport.ImagePayload(path, strings.TrimSpace(ev.Text))
	t.pending = &p
	m.promptSelectionLocked(ctx, t)
}

// promptSelectionLocked advances to the category prompt. Called with
// t.mu held; releases it before notifying.
func (m *Manager) promptSelectionLocked(ctx context.Context, t *Tenant) {
	options := []promptOption{{Label: "ALL", Category: ""}}
	for _, name := range t.Categories.Names() {
		options = append(options, promptOption{Label: name, Category: name})
	}

	if t.Directory.Len() == 0 {
		t.resetLocked()
		t.mu.Unlock()
		m.notifyOwner(ctx, t, "No destinations known yet. Run /scan first.")
		return
	}

	t.dialog = StateAwaitingSelection
	t.promptOptions = options
	t.promptSeq++
	seq := t.promptSeq
	t.selectTimer = time.AfterFunc(m.cfg.SelectionTimeout, func() {
		m.onSelectionTimeout(t, seq)
	})

	var b strings.Builder
	b.WriteString("Where should it go? Reply with a number:\n")
	fmt.Fprintf(&b, "1) ALL (%d groups)\n", t.Directory.Len())
	for i, opt := range options[1:] {
		fmt.Fprintf(&b, "%d) %s (%d)\n", i+2, opt.Label, t.Categories.Len(opt.Category))
	}
	t.mu.Unlock()

	m.notifyOwner(ctx, t, strings.TrimRight(b.String(), "\n"))
}

func (m *Manager) onSelectionTimeout(t *Tenant, seq int) {
	t.mu.Lock()
	if t.dialog != StateAwaitingSelection || t.promptSeq != seq {
		t.mu.Unlock()
		return
	}
	t.resetLocked()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.notifyOwner(ctx, t, "No selection received in time, broadcast discarded.")
	m.log.Info("selection prompt timed out", logx.String("tenant", t.ID))
}

// handleSelectionLocked validates a numeric reply against the current
// prompt. Called with t.mu held; releases it on every path.
func (m *Manager) handleSelectionLocked(ctx context.Context, t *Tenant, text string) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > len(t.promptOptions) {
		count := len(t.promptOptions)
		t.mu.Unlock()
		m.notifyOwner(ctx, t, fmt.Sprintf("Reply with a number between 1 and %d.", count))
		return
	}

	opt := t.promptOptions[n-1]
	var dests []string
	if opt.Category == "" {
		dests = t.Directory.IDs()
	} else {
		dests = t.Categories.IDs(opt.Category)
	}

	payload := *t.pending
	t.stopSelectTimerLocked()
	t.pending = nil
	t.dialog = StateBroadcasting
	mode := t.mode
	t.mu.Unlock()

	if len(dests) == 0 {
		if payload.Kind == transport.PayloadImage && payload.Image != "" {
			_ = os.Remove(payload.Image)
		}
		t.mu.Lock()
		t.dialog = StateIdle
		t.mu.Unlock()
		m.notifyOwner(ctx, t, "That category is empty, nothing to send.")
		return
	}

	go m.finishBroadcast(t, mode, dests, payload)
}

// finishBroadcast runs the fan-out off the dialog goroutine so /cancel
// stays responsive, then reports completion and re-arms the dialog.
func (m *Manager) finishBroadcast(t *Tenant, mode Mode, dests []string, payload transport.Payload) {
	ctx := context.Background()
	rep, err := m.runBroadcast(ctx, t, dests, payload)

	t.mu.Lock()
	if t.dialog == StateBroadcasting {
		// Text mode goes straight back to composing; image mode parks
		// in Idle until the operator picks a mode again.
		if mode == ModeText {
			t.dialog = StateAwaitingPayload
		} else {
			t.dialog = StateIdle
		}
	}
	t.mu.Unlock()

	nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	switch {
	case err != nil:
		m.log.Error("broadcast run failed", logx.String("tenant", t.ID), logx.Err(err))
		m.notifyOwner(nctx, t, "Broadcast aborted: transport connection lost. Reconnect and retry.")
	case rep.Cancelled:
		m.notifyOwner(nctx, t, fmt.Sprintf("Broadcast cancelled: %d sent, %d skipped before stopping.", rep.Sent, rep.Skipped))
	default:
		m.notifyOwner(nctx, t, fmt.Sprintf("Broadcast done: %d sent, %d failed, %d skipped.", rep.Sent, rep.Failed, rep.Skipped))
	}
}
