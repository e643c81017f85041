package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/channel"
	"wynnbridge/pkg/classifier"
	"wynnbridge/pkg/config"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/relay"
)

const channelName = "telegram"
const messagePreviewLimit = 240

var errNotTelegramChat = errors.New("channel is not a telegram chat id")

// sender is the slice of the bot API the adapter uses.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Adapter acts as the platform sink: relay messages are posted to the chat
// named by their channel, and text from chats mapped to a guild is delivered
// to that guild's agents.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	guilds    map[int64]string
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	guilds, err := guildMap(cfg.Guilds)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.Discard()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		guilds:    guilds,
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used as the sink label and in logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run registers the bot as the platform sink and long-polls for messages.
func (a *Adapter) Run(ctx context.Context, bridge channel.Bridge) error {
	if bridge == nil {
		return errors.New("bridge is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	release := bridge.RegisterSink(&sinkConn{ctx: ctx, bot: bot, log: a.log}, channelName)
	defer release()

	a.log.Info("Telegram sink started", "guild_chats", len(a.guilds))

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			a.handleUpdate(ctx, bridge, bot, update)
		}
	}
}

// handleUpdate turns one Telegram text message into a platform message for
// the guild its chat is mapped to.
func (a *Adapter) handleUpdate(ctx context.Context, bridge channel.Bridge, bot sender, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	guildID, ok := a.guilds[message.Chat.ID]
	if !ok {
		a.log.Debug("Ignoring message from unmapped chat", "chat_id", message.Chat.ID)
		return
	}

	msg := bus.PlatformMessage{
		Author:  authorName(message.From),
		Content: content,
		GuildID: guildID,
	}
	a.log.Info("Received message", "chat_id", message.Chat.ID, "guild", guildID, "author", msg.Author, "content", previewText(content))

	origin := &chatConn{ctx: ctx, bot: bot, chatID: message.Chat.ID}
	if err := bridge.HandlePlatformMessage(ctx, origin, msg); err != nil && !relay.IsDrop(err) {
		a.log.Error("Failed to deliver platform message", "guild", guildID, "error", err)
	}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// sinkConn receives relay messages from the gateway's sink pump.
type sinkConn struct {
	ctx context.Context
	bot sender
	log *slog.Logger
}

func (c *sinkConn) ID() string { return channelName + ":sink" }

func (c *sinkConn) Deliver(event string, payload any) error {
	msg, ok := payload.(bus.RelayMessage)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", event, payload)
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ListeningChannel), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", errNotTelegramChat, msg.ListeningChannel)
	}

	text := formatRelay(msg)
	c.log.Info("Sending message", "chat_id", chatID, "content", previewText(text))
	if _, err := c.bot.SendMessage(c.ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// chatConn answers the chat a platform message came from.
type chatConn struct {
	ctx    context.Context
	bot    sender
	chatID int64
}

func (c *chatConn) ID() string { return chatConnID(strconv.FormatInt(c.chatID, 10)) }

func (c *chatConn) Deliver(_ string, payload any) error {
	notice, ok := payload.(bus.PlatformMessage)
	if !ok {
		return fmt.Errorf("unexpected notice payload %T", payload)
	}
	_, err := c.bot.SendMessage(c.ctx, tu.Message(tu.ID(c.chatID), notice.Author+": "+notice.Content))
	return err
}

// formatRelay renders a relay message as one chat line.
func formatRelay(msg bus.RelayMessage) string {
	if msg.MessageType == int(classifier.TypeInfo) {
		return msg.HeaderContent + "\n" + msg.TextContent
	}
	return msg.HeaderContent + ": " + msg.TextContent
}

func authorName(user *telego.User) string {
	if name := strings.TrimSpace(user.Username); name != "" {
		return name
	}
	if name := strings.TrimSpace(user.FirstName); name != "" {
		return name
	}
	return strconv.FormatInt(user.ID, 10)
}

// chatConnID names the connection standing in for one Telegram chat.
func chatConnID(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID)
}

// guildMap parses the chat id keys of the guild mapping.
func guildMap(raw map[string]string) (map[int64]string, error) {
	out := make(map[int64]string, len(raw))
	for chat, guild := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("channels.telegram.guilds key %q is not a chat id: %w", chat, err)
		}
		if guild = strings.TrimSpace(guild); guild != "" {
			out[id] = guild
		}
	}
	return out, nil
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
