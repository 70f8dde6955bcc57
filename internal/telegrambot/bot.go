// Package telegrambot implements the Telegram bot surface: long-polling
// command handling over mymmrac/telego, bridging /ask to the
// tool-dispatch loop and /subscribe-/unsubscribe to the alert monitor.
package telegrambot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/sentrywatch/internal/alertmonitor"
	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/dispatch"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
)

// Bot is the Telegram surface. Zero value is not usable; build with New.
type Bot struct {
	bot      *telego.Bot
	sessions sessionstore.Store
	loop     *dispatch.Loop
	monitor  *alertmonitor.Monitor

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New constructs a Bot from a Telegram Bot API token. The bot is not
// started until Start is called.
func New(token string, sessions sessionstore.Store, loop *dispatch.Loop, monitor *alertmonitor.Monitor) (*Bot, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegrambot: create bot: %w", err)
	}
	return &Bot{bot: bot, sessions: sessions, loop: loop, monitor: monitor}, nil
}

// Start begins long polling: a cancellable consuming goroutine plus a
// best-effort menu-command sync.
func (b *Bot) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegrambot: start long polling: %w", err)
	}

	go func() {
		if err := b.bot.SetMyCommands(pollCtx, &telego.SetMyCommandsParams{Commands: menuCommands()}); err != nil {
			slog.Warn("telegrambot: menu command sync failed", "error", err)
		}
	}()

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					b.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	slog.Info("telegrambot: connected", "username", b.bot.Username())
	return nil
}

// Stop cancels long polling and waits for the consuming goroutine to exit,
// so Telegram releases the getUpdates lock before any future restart.
func (b *Bot) Stop(context.Context) error {
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegrambot: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Show the welcome message"},
		{Command: "ask", Description: "Ask a security question"},
		{Command: "subscribe", Description: "Subscribe to real-time alerts"},
		{Command: "unsubscribe", Description: "Stop receiving alerts"},
		{Command: "status", Description: "Show bot and alert subscription status"},
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	fields := strings.SplitN(text, " ", 2)
	command := fields[0]
	var arg string
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}

	switch {
	case strings.HasPrefix(command, "/start"):
		b.reply(ctx, chatID, "Security monitoring bot.\n\nCommands:\n/ask <question> — ask about Wazuh events\n/subscribe — receive real-time alerts here\n/unsubscribe — stop alerts\n/status — show current status")
	case strings.HasPrefix(command, "/subscribe"):
		b.monitor.Subscribe(ctx, recipientID(chatID))
		b.reply(ctx, chatID, "Subscribed. You'll receive a summary whenever new high-severity events are detected.")
	case strings.HasPrefix(command, "/unsubscribe"):
		b.monitor.Unsubscribe(recipientID(chatID))
		b.reply(ctx, chatID, "Unsubscribed from alerts.")
	case strings.HasPrefix(command, "/status"):
		b.handleStatus(ctx, chatID)
	case strings.HasPrefix(command, "/ask"):
		b.handleAsk(ctx, chatID, arg)
	default:
		// Any other text is treated as a question.
		b.handleAsk(ctx, chatID, text)
	}
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	subscribed := b.monitor.IsSubscribed(recipientID(chatID))
	b.reply(ctx, chatID, fmt.Sprintf("Alert subscription: %v", subscribed))
}

func (b *Bot) handleAsk(ctx context.Context, chatID int64, question string) {
	if question == "" {
		b.reply(ctx, chatID, "Ask me something, e.g. /ask what high severity events happened in the last hour?")
		return
	}

	session, err := b.ensureSession(ctx, chatID)
	if err != nil {
		slog.Warn("telegrambot: ensure session failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, something went wrong setting up your session.")
		return
	}

	result, err := b.loop.Run(ctx, dispatch.RunRequest{SessionID: session.ID, UserMessage: question})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			b.reply(ctx, chatID, "Still working on your last question — please wait.")
			return
		}
		slog.Warn("telegrambot: dispatch loop failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, I couldn't process that question.")
		return
	}
	b.reply(ctx, chatID, result.Content)
}

// ensureSession maps a Telegram chat to a sessionstore user+session,
// auto-provisioning both on first contact: any chat that can reach the
// bot is allowed to talk to it.
func (b *Bot) ensureSession(ctx context.Context, chatID int64) (sessionstore.Session, error) {
	username := telegramUsername(chatID)

	user, err := b.sessions.FindUserByUsername(ctx, username)
	if apperr.Is(err, apperr.NotFound) {
		// email is synthetic but must be unique per user; no password hash is
		// stored since this surface never authenticates with one.
		user, err = b.sessions.CreateUser(ctx, username, username+"@telegram.invalid", "", "telegram:"+strconv.FormatInt(chatID, 10))
	}
	if err != nil {
		return sessionstore.Session{}, err
	}

	sessions, err := b.sessions.ListSessions(ctx, user.ID, sessionstore.SessionListOpts{Limit: 1})
	if err != nil {
		return sessionstore.Session{}, err
	}
	if len(sessions) > 0 {
		return sessions[0], nil
	}
	return b.sessions.CreateSession(ctx, user.ID, "telegram")
}

func telegramUsername(chatID int64) string {
	return "telegram-" + strconv.FormatInt(chatID, 10)
}

func recipientID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegrambot: send failed", "chat_id", chatID, "error", err)
	}
}

// Send implements alertmonitor.Transport: recipientID is the chat id as a
// decimal string, matching recipientID() above.
func (b *Bot) Send(ctx context.Context, recipientID, message string) error {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegrambot: invalid recipient id %q: %w", recipientID, err)
	}
	_, err = b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), message))
	if err != nil && isBlockedErr(err) {
		return alertmonitor.ErrBlocked
	}
	return err
}

func isBlockedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bot was blocked") || strings.Contains(msg, "user is deactivated") || strings.Contains(msg, "chat not found")
}
