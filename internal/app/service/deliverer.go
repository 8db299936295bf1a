package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

// ChannelSender is the chat platform capability the relay needs.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelID string, msg model.Message) error
}

// Keys with a meaning of their own; never turned into embed fields.
var reservedPayloadKeys = map[string]struct{}{
	"content":    {},
	"title":      {},
	"color":      {},
	"embeds":     {},
	"username":   {},
	"avatar_url": {},
}

// Deliverer turns inbound payloads into channel messages.
type Deliverer struct {
	sender ChannelSender
	logger *zap.Logger
	footer string
	now    func() time.Time
}

// NewDeliverer returns a Deliverer that signs synthesized embeds with footer.
func NewDeliverer(sender ChannelSender, logger *zap.Logger, footer string) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		sender: sender,
		logger: logger,
		footer: footer,
		now:    time.Now,
	}
}

// Deliver sends payload to channelID and reports success. It does not panic
// and does not return errors; failures are logged.
func (d *Deliverer) Deliver(ctx context.Context, channelID string, payload gjson.Result, endpointName string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery panicked",
				zap.String("channel_id", channelID),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()

	msg := d.BuildMessage(payload, endpointName)
	if err := d.sender.SendToChannel(ctx, channelID, msg); err != nil {
		d.logger.Warn("delivery failed",
			zap.String("channel_id", channelID),
			zap.String("endpoint", endpointName),
			zap.Error(err),
		)
		return false
	}
	return true
}

// BuildMessage picks the outgoing shape: caller embeds, plain content, or a
// synthesized embed listing the payload.
func (d *Deliverer) BuildMessage(payload gjson.Result, endpointName string) model.Message {
	var msg model.Message
	if content := payload.Get("content"); content.Type == gjson.String {
		msg.Content = content.Str
	}

	if embeds := payload.Get("embeds"); embeds.IsArray() {
		embeds.ForEach(func(_, embed gjson.Result) bool {
			if embed.IsObject() {
				msg.Embeds = append(msg.Embeds, json.RawMessage(embed.Raw))
			}
			return len(msg.Embeds) < model.MaxEmbedsPerMessage
		})
	}
	if len(msg.Embeds) > 0 || msg.Content != "" {
		return msg
	}

	raw, err := json.Marshal(d.synthesizeEmbed(payload, endpointName))
	if err != nil {
		d.logger.Error("failed to encode embed", zap.Error(err))
		return msg
	}
	msg.Embeds = []json.RawMessage{raw}
	return msg
}

func (d *Deliverer) synthesizeEmbed(payload gjson.Result, endpointName string) model.Embed {
	embed := model.Embed{
		Title:     "Webhook: " + endpointName,
		Color:     model.DefaultEmbedColor,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	if title := payload.Get("title"); title.Type == gjson.String && title.Str != "" {
		embed.Title = truncateRunes(title.Str, model.MaxEmbedTitleLength)
	}
	if color := payload.Get("color"); color.Type == gjson.Number && color.Int() > 0 {
		embed.Color = int(color.Int())
	}
	if d.footer != "" {
		embed.Footer = &model.EmbedFooter{Text: d.footer}
	}

	payload.ForEach(func(key, value gjson.Result) bool {
		if _, reserved := reservedPayloadKeys[key.Str]; reserved || key.Str == "" {
			return true
		}
		text := fieldValue(value)
		if text == "" || utf8.RuneCountInString(text) > model.MaxFieldValueLength {
			return true
		}
		embed.Fields = append(embed.Fields, model.EmbedField{
			Name:   truncateRunes(key.Str, model.MaxFieldNameLength),
			Value:  text,
			Inline: true,
		})
		return len(embed.Fields) < model.MaxEmbedFields
	})
	return embed
}

func fieldValue(value gjson.Result) string {
	switch {
	case value.Type == gjson.String:
		return value.Str
	case value.IsObject(), value.IsArray():
		return strings.TrimSpace(string(pretty.Pretty([]byte(value.Raw))))
	default:
		return value.Raw
	}
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
