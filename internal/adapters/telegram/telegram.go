// Package telegram delivers notifications through a Telegram bot and
// parses the chat commands that control the watcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"newswatch/internal/kit"
	"newswatch/pkg/logx"
)

// clearTrackCap bounds how many delivered messages ClearAll remembers.
const clearTrackCap = 200

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Adapter is the Telegram implementation of kit.Transport plus the
// inbound control surface (/notifications, /realtime, /check, /status,
// /clear).
type Adapter struct {
	cfg    Config
	log    logx.Logger
	router kit.Router

	botMu sync.Mutex
	bot   *tele.Bot

	out       chan<- kit.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts control updates dropped because the consumer
	// was slower than the Telegram poll loop. Logged periodically.
	droppedUpdates uint64

	sentMu sync.Mutex
	sent   []tele.StoredMessage

	openBtn tele.Btn
}

func New(cfg Config, router kit.Router, log logx.Logger) *Adapter {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		router:  router,
		openBtn: tele.Btn{Unique: "open"},
	}
}

// RegisterIdentity builds the bot with the given credential. telebot
// calls getMe during construction, so a bad token fails here.
func (a *Adapter) RegisterIdentity(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		token = a.cfg.Token
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: a.cfg.PollTimeout},
	})
	if err != nil {
		return fmt.Errorf("telegram register: %w", err)
	}
	a.botMu.Lock()
	a.bot = b
	a.botMu.Unlock()
	a.log.Info("telegram identity registered", logx.String("bot", b.Me.Username))
	return nil
}

func (a *Adapter) getBot() *tele.Bot {
	a.botMu.Lock()
	defer a.botMu.Unlock()
	return a.bot
}

// Start begins long-polling for chat commands. Parsed commands are
// forwarded on out; when the consumer lags, updates are dropped and
// counted rather than blocking the poll loop.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	bot := a.getBot()
	if bot == nil {
		return errors.New("telegram: RegisterIdentity must succeed before Start")
	}

	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("control updates dropped (channel full)",
					logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-rctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

	bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Chat.ID != a.cfg.ChatID {
			return nil
		}
		up, reply, ok := parseControl(m.Text)
		if !ok {
			if reply != "" {
				return c.Send(reply)
			}
			return nil
		}
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	})

	bot.Handle(&a.openBtn, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		contentID := strings.TrimSpace(cb.Data)
		if contentID != "" && a.router != nil {
			if err := a.router.OpenItem(rctx, contentID); err != nil {
				a.log.Warn("open item failed", logx.String("content_id", contentID), logx.Err(err))
			}
		}
		return c.Respond(&tele.CallbackResponse{})
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			bot.Stop()
		}()
		a.log.Info("telegram polling started", logx.Int64("chat_id", a.cfg.ChatID))
		bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if bot := a.getBot(); bot != nil {
		go bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// Schedule presents one notification as a message with an inline Open
// button carrying the content id.
func (a *Adapter) Schedule(ctx context.Context, n kit.Notification) error {
	bot := a.getBot()
	if bot == nil {
		return errors.New("telegram: not registered")
	}

	markup := &tele.ReplyMarkup{}
	open := markup.Data("Open", a.openBtn.Unique, n.Payload.ContentID)
	markup.Inline(markup.Row(open))

	text := n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}
	msg, err := bot.Send(tele.ChatID(a.cfg.ChatID), text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ReplyMarkup:           markup,
	})
	if err != nil {
		return err
	}

	a.sentMu.Lock()
	a.sent = append(a.sent, tele.StoredMessage{
		MessageID: strconv.Itoa(msg.ID),
		ChatID:    a.cfg.ChatID,
	})
	if len(a.sent) > clearTrackCap {
		a.sent = a.sent[len(a.sent)-clearTrackCap:]
	}
	a.sentMu.Unlock()
	return nil
}

// ClearAll deletes every tracked notification message. Best effort:
// already-deleted or expired messages are skipped.
func (a *Adapter) ClearAll(ctx context.Context) error {
	bot := a.getBot()
	if bot == nil {
		return errors.New("telegram: not registered")
	}

	a.sentMu.Lock()
	refs := a.sent
	a.sent = nil
	a.sentMu.Unlock()

	for _, ref := range refs {
		if err := bot.Delete(ref); err != nil {
			a.log.Debug("clear: delete failed", logx.String("message_id", ref.MessageID), logx.Err(err))
		}
	}
	a.log.Info("cleared presented notifications", logx.Int("count", len(refs)))
	return nil
}

// SendText posts a plain reply to the control chat (status reports,
// manual check results).
func (a *Adapter) SendText(ctx context.Context, text string) error {
	bot := a.getBot()
	if bot == nil {
		return errors.New("telegram: not registered")
	}
	_, err := bot.Send(tele.ChatID(a.cfg.ChatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

const usageReply = "Commands: /notifications on|off, /realtime on|off, /check, /status, /clear"

// parseControl turns a chat message into a control update. The second
// return is a direct reply for malformed commands; ok reports whether
// an update should be forwarded.
func parseControl(text string) (kit.Update, string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return kit.Update{}, "", false
	}
	// Strip an @botname suffix so commands work in group chats.
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	parseToggle := func(kind kit.ControlKind) (kit.Update, string, bool) {
		if len(fields) != 2 {
			return kit.Update{}, fmt.Sprintf("Usage: %s on|off", cmd), false
		}
		switch strings.ToLower(fields[1]) {
		case "on":
			return kit.Update{Kind: kind, Enabled: true}, "", true
		case "off":
			return kit.Update{Kind: kind, Enabled: false}, "", true
		default:
			return kit.Update{}, fmt.Sprintf("Usage: %s on|off", cmd), false
		}
	}

	switch cmd {
	case "/notifications":
		return parseToggle(kit.ControlNotifications)
	case "/realtime":
		return parseToggle(kit.ControlRealtime)
	case "/check":
		return kit.Update{Kind: kit.ControlCheckNow}, "", true
	case "/status":
		return kit.Update{Kind: kit.ControlStatus}, "", true
	case "/clear":
		return kit.Update{Kind: kit.ControlClear}, "", true
	case "/start", "/help":
		return kit.Update{}, usageReply, false
	default:
		return kit.Update{}, "", false
	}
}
