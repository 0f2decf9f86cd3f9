// Package telegram adapts the generic transport boundary onto Telegram
// via telebot long polling.
//
// The Bot API has no "list my groups" call, so membership is tracked
// from the update stream: every group update refreshes the known-group
// set, and leaving a group evicts it.
package telegram

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- transport.Event)

	runMu   sync.Mutex
	running bool
	stopped chan struct{}
	stopBot func() // single stop path; telebot's Stop blocks if called twice

	// droppedEvents counts inbound events dropped because the consumer was
	// slower than the poll loop; reported periodically to avoid log spam.
	droppedEvents uint64

	groupMu sync.RWMutex
	groups  map[int64]string // chat id -> title
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, groups: map[int64]string{}}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.noteChat(m.Chat)
		a.emit(transport.Event{
			Kind:      transport.EventText,
			MessageID: strconv.Itoa(m.ID),
			SenderID:  strconv.FormatInt(m.Chat.ID, 10),
			Text:      m.Text,
			At:        m.Time(),
		})
		return nil
	})

	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		a.noteChat(m.Chat)
		ev := transport.Event{
			Kind:      transport.EventImage,
			MessageID: strconv.Itoa(m.ID),
			SenderID:  strconv.FormatInt(m.Chat.ID, 10),
			Text:      m.Caption,
			At:        m.Time(),
		}
		if rc, err := a.bot.File(&m.Photo.File); err == nil {
			buf, rerr := io.ReadAll(rc)
			_ = rc.Close()
			if rerr == nil {
				ev.Image = buf
			}
		}
		a.emit(ev)
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		a.noteChat(c.Chat())
		return nil
	})
}

func (a *Adapter) noteChat(ch *tele.Chat) {
	if ch == nil {
		return
	}
	if ch.Type != tele.ChatGroup && ch.Type != tele.ChatSuperGroup {
		return
	}
	a.groupMu.Lock()
	a.groups[ch.ID] = ch.Title
	a.groupMu.Unlock()
}

func (a *Adapter) emit(ev transport.Event) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopped = make(chan struct{})
	a.stopBot = sync.OnceFunc(a.bot.Stop)
	stopped := a.stopped
	stopBot := a.stopBot
	a.out.Store(out)
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		stopBot()
	}()

	go func() {
		defer close(stopped)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
					a.log.Warn("inbound events dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	stopped := a.stopped
	stopBot := a.stopBot
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if stopBot != nil {
		go stopBot()
	}

	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
	case <-time.After(2 * time.Second):
		a.log.Warn("telegram stop grace expired")
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, destID string, p transport.Payload) (transport.Receipt, error) {
	chatID, err := strconv.ParseInt(destID, 10, 64)
	if err != nil {
		return transport.Receipt{}, transport.NewSendError(transport.KindNotMember, destID, err)
	}
	rec := tele.ChatID(chatID)

	var what any = p.Text
	if p.Kind == transport.PayloadImage {
		what = &tele.Photo{File: tele.FromDisk(p.Image), Caption: p.Caption}
	}

	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, serr := a.bot.Send(rec, what)
		done <- result{m, serr}
	}()

	select {
	case <-ctx.Done():
		return transport.Receipt{}, transport.NewSendError(transport.KindTimeout, destID, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return transport.Receipt{}, classify(destID, r.err)
		}
		return transport.Receipt{MessageID: strconv.Itoa(r.msg.ID), At: r.msg.Time()}, nil
	}
}

func (a *Adapter) FetchMembership(ctx context.Context) ([]transport.Group, error) {
	a.groupMu.RLock()
	defer a.groupMu.RUnlock()
	out := make([]transport.Group, 0, len(a.groups))
	for id, title := range a.groups {
		out = append(out, transport.Group{ID: strconv.FormatInt(id, 10), Name: title})
	}
	return out, nil
}

func (a *Adapter) FetchMetadata(ctx context.Context, destID string) ([]string, error) {
	chatID, err := strconv.ParseInt(destID, 10, 64)
	if err != nil {
		return nil, transport.NewSendError(transport.KindNotMember, destID, err)
	}
	admins, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
	if err != nil {
		return nil, classify(destID, err)
	}
	ids := make([]string, 0, len(admins))
	for _, m := range admins {
		if m.User != nil {
			ids = append(ids, strconv.FormatInt(m.User.ID, 10))
		}
	}
	return ids, nil
}

// PreEstablishSessions is a no-op: Telegram manages message encryption
// server-side, so there is no per-participant session to warm up.
func (a *Adapter) PreEstablishSessions(ctx context.Context, participantIDs []string) error {
	return nil
}

// classify maps telebot and network failures onto typed kinds. This is
// the only place Telegram-specific errors are interpreted.
func classify(destID string, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.NewSendError(transport.KindRateLimited, destID, err)
	}
	switch {
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrNoRightsToSend):
		return transport.NewSendError(transport.KindNotMember, destID, err)
	case errors.Is(err, tele.ErrTooLarge):
		return transport.NewSendError(transport.KindUnknown, destID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return transport.NewSendError(transport.KindTimeout, destID, err)
	case errors.Is(err, net.ErrClosed):
		return transport.NewSendError(transport.KindConnectionLost, destID, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return transport.NewSendError(transport.KindTimeout, destID, err)
		}
		return transport.NewSendError(transport.KindConnectionLost, destID, err)
	}
	return transport.NewSendError(transport.KindUnknown, destID, err)
}
