package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/directory"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

const (
	testTenant = "primary"
	testOwner  = "owner-1"
)

// loopback is a transport fake: every send succeeds and is recorded,
// membership comes from a fixed group list.
type loopback struct {
	mu     sync.Mutex
	seq    int
	sends  []sentMsg
	groups []transport.Group
}

type sentMsg struct {
	Dest    string
	Payload transport.Payload
	ID      string
}

func (l *loopback) Send(ctx context.Context, dest string, p transport.Payload) (transport.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("sys-%d", l.seq)
	l.sends = append(l.sends, sentMsg{Dest: dest, Payload: p, ID: id})
	return transport.Receipt{MessageID: id, At: time.Now()}, nil
}

func (l *loopback) FetchMembership(ctx context.Context) ([]transport.Group, error) {
	return l.groups, nil
}

func (l *loopback) FetchMetadata(ctx context.Context, dest string) ([]string, error) {
	return nil, nil
}

func (l *loopback) PreEstablishSessions(ctx context.Context, ids []string) error { return nil }

// notices returns the system replies delivered to the owner.
func (l *loopback) notices() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, s := range l.sends {
		if s.Dest == testOwner {
			out = append(out, s.Payload.Text)
		}
	}
	return out
}

// groupSends returns destination ids of non-owner sends.
func (l *loopback) groupSends() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, s := range l.sends {
		if s.Dest != testOwner {
			out = append(out, s.Dest)
		}
	}
	return out
}

func (l *loopback) lastNotice() string {
	n := l.notices()
	if len(n) == 0 {
		return ""
	}
	return n[len(n)-1]
}

func fastCaster(tr transport.Transport) *broadcast.Service {
	return broadcast.New(broadcast.Config{
		RatePerSec:        1000,
		RetryMax:          1,
		SendTimeout:       time.Second,
		SkipAfterFailures: 1,
		ThrottleStart:     time.Millisecond,
		ThrottleCap:       2 * time.Millisecond,
		Pacing: broadcast.PacingConfig{
			BatchStart:        5,
			BatchMin:          1,
			BatchMax:          10,
			PerSendDelayStart: time.Millisecond,
			PerSendDelayMin:   time.Millisecond,
			PerSendDelayMax:   2 * time.Millisecond,
			BatchDelayStart:   time.Millisecond,
			BatchDelayMin:     time.Millisecond,
			BatchDelayMax:     2 * time.Millisecond,
			AdjustEvery:       time.Hour,
		},
	}, tr, nil, logx.Nop())
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *loopback) {
	t.Helper()
	tr := &loopback{}
	if cfg.SelectionTimeout <= 0 {
		cfg.SelectionTimeout = time.Hour
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = t.TempDir()
	}
	cat := directory.NewCategorizer([]directory.Rule{
		{Category: "sales", Keywords: []string{"sales"}},
	})
	m := NewManager(cfg, tr, fastCaster(tr), cat, nil, nil, logx.Nop())
	t.Cleanup(m.Close)
	return m, tr
}

var inboundSeq int
var inboundMu sync.Mutex

func textEvent(sender, text string) transport.Event {
	inboundMu.Lock()
	inboundSeq++
	id := fmt.Sprintf("in-%d", inboundSeq)
	inboundMu.Unlock()
	return transport.Event{Kind: transport.EventText, MessageID: id, SenderID: sender, Text: text, At: time.Now()}
}

func imageEvent(sender, caption string, data []byte) transport.Event {
	ev := textEvent(sender, caption)
	ev.Kind = transport.EventImage
	ev.Image = data
	return ev
}

// seedGroups fills a tenant's directory and categories directly.
func seedGroups(m *Manager, groups map[string]string, cats map[string][]string) *Tenant {
	t := m.Tenant(context.Background(), testTenant)
	for id, name := range groups {
		t.Directory.Put(directory.Entry{ID: id, Name: name})
	}
	for name, ids := range cats {
		for _, id := range ids {
			t.Categories.Add(name, id)
		}
	}
	return t
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOwnerBindsOnFirstMessage(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()

	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/help"))
	ten := m.Tenant(ctx, testTenant)
	if got := ten.Owner(); got != testOwner {
		t.Fatalf("owner = %q, want %q", got, testOwner)
	}

	// A different sender cannot take over or drive the dialog.
	before := len(tr.notices())
	m.HandleInbound(ctx, testTenant, textEvent("intruder", "/text"))
	if got := ten.Owner(); got != testOwner {
		t.Fatalf("owner changed to %q", got)
	}
	if ten.State() != StateIdle {
		t.Fatalf("intruder moved the dialog to %s", ten.State())
	}
	if len(tr.notices()) != before {
		t.Fatal("intruder received a reply")
	}
}

func TestSelfEchoIgnored(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ev := textEvent(testOwner, "/help")
	ev.SelfEcho = true
	m.HandleInbound(context.Background(), testTenant, ev)

	if len(tr.notices()) != 0 {
		t.Fatalf("self echo produced replies: %v", tr.notices())
	}
	if got := m.Tenant(context.Background(), testTenant).Owner(); got != "" {
		t.Fatalf("self echo bound owner %q", got)
	}
}

func TestSystemReplyEchoSuppressed(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/help"))

	notices := tr.notices()
	if len(notices) != 1 {
		t.Fatalf("expected the help reply, got %v", notices)
	}

	// The platform echoes our own reply back; it must not be treated as
	// a new command.
	tr.mu.Lock()
	echoID := tr.sends[len(tr.sends)-1].ID
	tr.mu.Unlock()
	m.HandleInbound(ctx, testTenant, transport.Event{
		Kind: transport.EventText, MessageID: echoID, SenderID: testOwner, Text: helpText,
	})
	if got := len(tr.notices()); got != 1 {
		t.Fatalf("echoed reply reprocessed: %v", tr.notices())
	}
}

func TestTextModeEntersAwaitingPayload(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))

	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateAwaitingPayload {
		t.Fatalf("state = %s", ten.State())
	}
	if !strings.Contains(tr.lastNotice(), "Text mode") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestPayloadWithoutGroupsResets(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "hello world"))

	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateIdle {
		t.Fatalf("state = %s, want idle after empty-directory reset", ten.State())
	}
	if !strings.Contains(tr.lastNotice(), "/scan") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestSelectionPromptListsAllAndCategories(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m,
		map[string]string{"g1": "Sales North", "g2": "Misc", "g3": "Sales South"},
		map[string][]string{"sales": {"g1", "g3"}, "misc": {"g2"}})

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "big announcement"))

	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateAwaitingSelection {
		t.Fatalf("state = %s", ten.State())
	}
	prompt := tr.lastNotice()
	if !strings.Contains(prompt, "1) ALL (3 groups)") {
		t.Fatalf("prompt missing ALL option: %q", prompt)
	}
	// Category names are sorted, so misc is 2 and sales is 3.
	if !strings.Contains(prompt, "2) misc (1)") || !strings.Contains(prompt, "3) sales (2)") {
		t.Fatalf("prompt options wrong: %q", prompt)
	}
}

func TestInvalidSelectionKeepsPrompt(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m, map[string]string{"g1": "A"}, map[string][]string{"sales": {"g1"}})

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "hi"))

	ten := m.Tenant(ctx, testTenant)
	for _, reply := range []string{"7", "zero", "0", "-1"} {
		m.HandleInbound(ctx, testTenant, textEvent(testOwner, reply))
		if ten.State() != StateAwaitingSelection {
			t.Fatalf("reply %q moved state to %s", reply, ten.State())
		}
		if !strings.Contains(tr.lastNotice(), "between 1 and 2") {
			t.Fatalf("reply %q notice = %q", reply, tr.lastNotice())
		}
	}
}

func TestFullTextBroadcastFlow(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m,
		map[string]string{"g1": "Sales North", "g2": "Misc", "g3": "Sales South"},
		map[string][]string{"sales": {"g1", "g3"}, "misc": {"g2"}})

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "quarterly numbers"))
	// "3) sales" per sorted order.
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "3"))

	ten := m.Tenant(ctx, testTenant)
	waitFor(t, 5*time.Second, func() bool { return ten.State() == StateAwaitingPayload })

	sent := tr.groupSends()
	if len(sent) != 2 {
		t.Fatalf("group sends = %v, want g1 and g3", sent)
	}
	for _, dest := range sent {
		if dest != "g1" && dest != "g3" {
			t.Fatalf("sent to %q outside the selected category", dest)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(tr.lastNotice(), "Broadcast done")
	})
	if !strings.Contains(tr.lastNotice(), "2 sent, 0 failed, 0 skipped") {
		t.Fatalf("completion notice = %q", tr.lastNotice())
	}
}

func TestBroadcastAllSendsToWholeDirectory(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m,
		map[string]string{"g1": "A", "g2": "B", "g3": "C"},
		map[string][]string{"sales": {"g1"}})

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "to everyone"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "1"))

	waitFor(t, 5*time.Second, func() bool { return len(tr.groupSends()) == 3 })
}

func TestSelectionTimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{SelectionTimeout: 40 * time.Millisecond})
	seedGroups(m, map[string]string{"g1": "A"}, nil)

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "hi"))

	ten := m.Tenant(ctx, testTenant)
	waitFor(t, 2*time.Second, func() bool { return ten.State() == StateIdle })

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(tr.lastNotice(), "No selection received")
	})
	count := 0
	for _, n := range tr.notices() {
		if strings.Contains(n, "No selection received") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("timeout notice delivered %d times", count)
	}

	// A selection reply after the timeout must not start a broadcast.
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "1"))
	time.Sleep(50 * time.Millisecond)
	if got := tr.groupSends(); len(got) != 0 {
		t.Fatalf("stale selection started a broadcast: %v", got)
	}
}

func TestAnswerBeforeTimeoutSuppressesNotice(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{SelectionTimeout: 80 * time.Millisecond})
	seedGroups(m, map[string]string{"g1": "A"}, nil)

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "hi"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "1"))

	waitFor(t, 5*time.Second, func() bool { return len(tr.groupSends()) == 1 })
	time.Sleep(150 * time.Millisecond)
	for _, n := range tr.notices() {
		if strings.Contains(n, "No selection received") {
			t.Fatal("timeout notice fired after a timely answer")
		}
	}
}

func TestCancelIdle(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/cancel"))

	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateIdle {
		t.Fatalf("state = %s", ten.State())
	}
	if tr.lastNotice() != "Cancelled." {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestCancelWhileComposingLeavesNextRunClean(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m, map[string]string{"g1": "A", "g2": "B"}, nil)

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "first draft"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/cancel"))

	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateIdle {
		t.Fatalf("state = %s", ten.State())
	}
	if ten.Broadcast.CancelRequested() {
		t.Fatal("cancel flag set with no run in flight")
	}

	// The next broadcast must deliver to everyone.
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "take two"))
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "1"))

	waitFor(t, 5*time.Second, func() bool { return len(tr.groupSends()) == 2 })
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(tr.lastNotice(), "Broadcast done")
	})
}

func TestDiscardedImagePayloadRemovesStoredFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, _ := newTestManager(t, Config{ImageDir: dir})
	seedGroups(m, map[string]string{"g1": "A"}, nil)

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/image"))
	m.HandleInbound(ctx, testTenant, imageEvent(testOwner, "cap", []byte{0xff, 0xd8}))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stored files = %d, want 1", len(entries))
	}

	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/cancel"))
	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stored files after cancel = %d, want 0", len(entries))
	}
}

func TestModeSwitchBlockedWhileBroadcasting(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/text"))

	ten := m.Tenant(ctx, testTenant)
	ten.mu.Lock()
	ten.dialog = StateBroadcasting
	ten.mu.Unlock()

	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/image"))
	if ten.State() != StateBroadcasting {
		t.Fatalf("state = %s, mode switch was not blocked", ten.State())
	}
	if !strings.Contains(tr.lastNotice(), "/cancel") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestIdleTextGetsHint(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "just chatting"))
	if !strings.Contains(tr.lastNotice(), "/text or /image") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/frobnicate"))
	if !strings.Contains(tr.lastNotice(), "Unknown command") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestScanCommandPopulatesDirectory(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	tr.groups = []transport.Group{
		{ID: "g1", Name: "Sales North"},
		{ID: "g2", Name: "Misc"},
	}

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/scan"))

	ten := m.Tenant(ctx, testTenant)
	if ten.Directory.Len() != 2 {
		t.Fatalf("directory has %d groups", ten.Directory.Len())
	}
	if ten.Categories.Len("sales") != 1 {
		t.Fatalf("sales members = %d", ten.Categories.Len("sales"))
	}
	if !strings.Contains(tr.lastNotice(), "2 group(s) known, 2 newly categorized") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}
}

func TestImageBroadcastFlow(t *testing.T) {
	t.Parallel()

	m, tr := newTestManager(t, Config{})
	seedGroups(m, map[string]string{"g1": "A", "g2": "B"}, nil)

	ctx := context.Background()
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "/image"))
	ten := m.Tenant(ctx, testTenant)
	if ten.State() != StateAwaitingPayload {
		t.Fatalf("state = %s", ten.State())
	}

	// A plain text while composing an image is rejected with guidance.
	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "oops text"))
	if !strings.Contains(tr.lastNotice(), "Image mode is active") {
		t.Fatalf("notice = %q", tr.lastNotice())
	}

	m.HandleInbound(ctx, testTenant, imageEvent(testOwner, "the caption", []byte{0xff, 0xd8, 0x01}))
	if ten.State() != StateAwaitingSelection {
		t.Fatalf("state after image = %s", ten.State())
	}

	m.HandleInbound(ctx, testTenant, textEvent(testOwner, "1"))
	waitFor(t, 5*time.Second, func() bool { return ten.State() == StateIdle })

	sent := tr.groupSends()
	if len(sent) != 2 {
		t.Fatalf("group sends = %v", sent)
	}
	tr.mu.Lock()
	var imgPayloads int
	for _, s := range tr.sends {
		if s.Dest != testOwner && s.Payload.Kind == transport.PayloadImage {
			imgPayloads++
			if s.Payload.Caption != "the caption" {
				tr.mu.Unlock()
				t.Fatalf("caption = %q", s.Payload.Caption)
			}
		}
	}
	tr.mu.Unlock()
	if imgPayloads != 2 {
		t.Fatalf("image payloads = %d", imgPayloads)
	}
}

func TestEchoSetBounds(t *testing.T) {
	t.Parallel()

	e := newEchoSet()
	for i := 0; i < echoSuppressCap+10; i++ {
		e.Add(fmt.Sprintf("id-%d", i))
	}
	if len(e.ids) != echoSuppressCap {
		t.Fatalf("set holds %d ids, cap is %d", len(e.ids), echoSuppressCap)
	}
	if e.TakeOut("id-0") {
		t.Fatal("evicted id still present")
	}
	if !e.TakeOut(fmt.Sprintf("id-%d", echoSuppressCap+9)) {
		t.Fatal("newest id missing")
	}
	if e.TakeOut(fmt.Sprintf("id-%d", echoSuppressCap+9)) {
		t.Fatal("TakeOut is not removing")
	}
}
