package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/seanchangg/dyno/internal/agent"
	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/runtime"
)

const chatRunTimeout = 10 * time.Minute

// TelegramChannel bridges Telegram chats to agent runtimes. Each allowed
// Telegram sender maps to one platform user; messages from anyone else are
// dropped. Heartbeat escalations for a mapped user are pushed to the chat
// they last wrote from.
type TelegramChannel struct {
	token    string
	users    map[int64]string // telegram sender id -> user id
	manager  *agent.Manager
	eventBus *bus.Bus
	logger   *slog.Logger
	bot      *tgbotapi.BotAPI

	chatsMu sync.Mutex
	chats   map[string]int64 // user id -> last seen chat id
}

// NewTelegramChannel creates a Telegram channel. The users map routes
// Telegram sender IDs to platform user IDs.
func NewTelegramChannel(token string, users map[int64]string, manager *agent.Manager, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	mapped := make(map[int64]string, len(users))
	for id, user := range users {
		mapped[id] = user
	}
	return &TelegramChannel{
		token:    token,
		users:    mapped,
		manager:  manager,
		eventBus: eventBus,
		logger:   logger,
		chats:    make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorHeartbeats(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead; the library blocks rather
	// than closing the channel.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			userID, allowed := t.users[update.Message.From.ID]
			if !allowed {
				t.logger.Warn("telegram access denied", "sender_id", update.Message.From.ID, "sender_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, userID, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, userID string, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	t.chatsMu.Lock()
	t.chats[userID] = msg.Chat.ID
	t.chatsMu.Unlock()

	// Runs detach from the poll loop so a long tool chain does not stall
	// update handling for other users.
	go t.runChat(ctx, userID, msg.Chat.ID, content)
}

func (t *TelegramChannel) runChat(ctx context.Context, userID string, chatID int64, content string) {
	runCtx, cancel := context.WithTimeout(ctx, chatRunTimeout)
	defer cancel()

	rt, err := t.manager.GetOrCreate(runCtx, userID)
	if err != nil {
		t.logger.Error("telegram chat: agent unavailable", "user", userID, "error", err)
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	// No interactive approval surface here, so runs are held to the
	// read-only headless allowlist.
	res, err := rt.RunLoop(runCtx, content, runtime.RunOptions{
		Headless: true,
		Approver: runtime.HeadlessApprover(),
	})
	if err != nil {
		t.logger.Error("telegram chat run failed", "user", userID, "error", err)
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if res.Summary != "" {
		t.reply(chatID, res.Summary)
	}
}

// monitorHeartbeats forwards heartbeat transitions to the user's last chat.
// A user who never messaged the bot gets nothing; notification is
// best-effort by design of the bus.
func (t *TelegramChannel) monitorHeartbeats(ctx context.Context) {
	sub := t.eventBus.Subscribe("heartbeat.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			t.chatsMu.Lock()
			chatID, known := t.chats[ev.UserID]
			t.chatsMu.Unlock()
			if !known {
				continue
			}
			if text := formatHeartbeatEvent(ev); text != "" {
				t.reply(chatID, text)
			}
		}
	}
}

func formatHeartbeatEvent(ev bus.Event) string {
	hb, ok := ev.Payload.(bus.HeartbeatEvent)
	if !ok {
		return ""
	}
	switch ev.Topic {
	case bus.TopicHeartbeatEscalated:
		return fmt.Sprintf("Heartbeat escalated: %s", hb.Reason)
	case bus.TopicHeartbeatCompleted:
		return fmt.Sprintf("Heartbeat done: %s", hb.Summary)
	case bus.TopicHeartbeatBudget:
		return "Heartbeat paused: daily budget reached."
	default:
		return ""
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
