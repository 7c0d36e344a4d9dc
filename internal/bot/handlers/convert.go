package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/pipeline"
)

// HintsFromUser builds identity hints from a Telegram user.
func HintsFromUser(u *models.User) identity.Hints {
	if u == nil {
		return identity.Hints{}
	}
	return identity.Hints{
		TelegramID: strconv.FormatInt(u.ID, 10),
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Username:   u.Username,
	}
}

// InboundFromMessage converts a user message. Messages from bots and
// messages with neither text nor supported media are skipped.
func InboundFromMessage(msg *models.Message) (pipeline.Inbound, bool) {
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return pipeline.Inbound{}, false
	}

	p := messages.Payload{
		TelegramMessageID: int64(msg.ID),
		TelegramChatID:    msg.Chat.ID,
		Role:              database.RoleClient,
		Content:           msg.Text,
		SentAt:            unixTime(msg.Date),
	}
	if p.Content == "" {
		p.Content = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first.
		p.FileID = msg.Photo[len(msg.Photo)-1].FileID
		p.Kind = database.KindImage
		p.AttachmentMIME = "image/jpeg"
	case msg.Voice != nil:
		p.FileID = msg.Voice.FileID
		p.Kind = database.KindVoice
		p.AttachmentMIME = msg.Voice.MimeType
	case msg.Audio != nil:
		p.FileID = msg.Audio.FileID
		p.Kind = database.KindVoice
		p.AttachmentMIME = msg.Audio.MimeType
	case msg.Video != nil:
		p.FileID = msg.Video.FileID
		p.Kind = database.KindVideo
		p.AttachmentMIME = msg.Video.MimeType
	case msg.VideoNote != nil:
		p.FileID = msg.VideoNote.FileID
		p.Kind = database.KindVideo
	case msg.Document != nil:
		p.FileID = msg.Document.FileID
		p.Kind = database.KindFile
		p.AttachmentMIME = msg.Document.MimeType
	}

	if strings.TrimSpace(p.Content) == "" && p.FileID == "" {
		return pipeline.Inbound{}, false
	}

	return pipeline.Inbound{
		Source:  pipeline.SourceTelegram,
		Hints:   HintsFromUser(msg.From),
		Message: &p,
	}, true
}

// InboundFromCallback stores a button press as client text.
func InboundFromCallback(cq *models.CallbackQuery) (pipeline.Inbound, bool) {
	if cq == nil || cq.From.ID == 0 || strings.TrimSpace(cq.Data) == "" {
		return pipeline.Inbound{}, false
	}
	from := cq.From
	return pipeline.Inbound{
		Source: pipeline.SourceTelegram,
		Hints:  HintsFromUser(&from),
		Message: &messages.Payload{
			Role:    database.RoleClient,
			Kind:    database.KindText,
			Content: cq.Data,
			SentAt:  time.Now().UTC(),
		},
	}, true
}

// InboundFromReaction converts a reaction change. An empty new reaction set
// clears the user's reactions on the message.
func InboundFromReaction(r *models.MessageReactionUpdated) (pipeline.Inbound, bool) {
	if r == nil || r.User == nil || r.MessageID == 0 {
		return pipeline.Inbound{}, false
	}

	emojis := make([]string, 0, len(r.NewReaction))
	for _, rt := range r.NewReaction {
		switch {
		case rt.ReactionTypeEmoji != nil:
			emojis = append(emojis, rt.ReactionTypeEmoji.Emoji)
		case rt.ReactionTypeCustomEmoji != nil:
			emojis = append(emojis, "custom:"+rt.ReactionTypeCustomEmoji.CustomEmojiID)
		}
	}

	return pipeline.Inbound{
		Source: pipeline.SourceTelegram,
		Hints:  HintsFromUser(r.User),
		Message: &messages.Payload{
			TelegramMessageID: int64(r.MessageID),
			TelegramChatID:    r.Chat.ID,
			Role:              database.RoleClient,
			IsReaction:        true,
			Emojis:            emojis,
			Actor:             "tg:" + strconv.FormatInt(r.User.ID, 10),
			SentAt:            unixTime(r.Date),
		},
	}, true
}

func unixTime(sec int) time.Time {
	if sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(int64(sec), 0).UTC()
}
