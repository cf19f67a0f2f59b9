package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

// Codec converts whatsmeow messages to and from canonical messages.
type Codec struct{}

var _ supervisor.Codec = Codec{}

// Decode turns a *events.Message into an IncomingMessage. Protocol-only
// payloads (receipts, reactions, key distribution, edits) yield models.ErrCodec.
func (Codec) Decode(tenantID string, raw any) (models.IncomingMessage, error) {
	evt, ok := raw.(*events.Message)
	if !ok || evt == nil || evt.Message == nil {
		return models.IncomingMessage{}, models.Wrap(fmt.Errorf("unexpected payload %T", raw), models.CodeCodec, "not a message event")
	}
	msg := unwrap(evt.Message)
	if msg.GetProtocolMessage() != nil || msg.GetReactionMessage() != nil {
		return models.IncomingMessage{}, models.NewError(models.CodeCodec, "protocol message")
	}

	text := extractText(msg)
	media := extractMedia(msg)
	if text == "" && media == nil {
		return models.IncomingMessage{}, models.NewError(models.CodeCodec, "message carries no text or media")
	}

	info := evt.Info
	return models.IncomingMessage{
		TenantID:  tenantID,
		ChatID:    info.Chat.String(),
		SenderID:  info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		MessageID: string(info.ID),
		Text:      strings.TrimSpace(text),
		Media:     media,
		Timestamp: info.Timestamp,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup,
	}, nil
}

// Encode builds a plain conversation message. Outgoing media is not supported.
func (Codec) Encode(out models.OutgoingMessage) (any, error) {
	if out.Media != nil {
		return nil, fmt.Errorf("outgoing media is not supported")
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("message body cannot be empty")
	}
	if _, err := ParseChatJID(out.ChatID); err != nil {
		return nil, err
	}
	return &waE2E.Message{Conversation: proto.String(out.Text)}, nil
}

// unwrap strips the ephemeral, view-once and document-with-caption envelopes.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 4 && msg != nil; i++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func extractText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetButtonsResponseMessage() != nil:
		if t := msg.GetButtonsResponseMessage().GetSelectedDisplayText(); t != "" {
			return t
		}
		return msg.GetButtonsResponseMessage().GetSelectedButtonID()
	case msg.GetListResponseMessage() != nil:
		if id := msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID(); id != "" {
			return id
		}
		return msg.GetListResponseMessage().GetTitle()
	case msg.GetTemplateButtonReplyMessage() != nil:
		if t := msg.GetTemplateButtonReplyMessage().GetSelectedDisplayText(); t != "" {
			return t
		}
		return msg.GetTemplateButtonReplyMessage().GetSelectedID()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func extractMedia(msg *waE2E.Message) *models.MediaDescriptor {
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return &models.MediaDescriptor{Kind: "image", MimeType: m.GetMimetype(), Size: m.GetFileLength(), Caption: m.GetCaption()}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return &models.MediaDescriptor{Kind: "video", MimeType: m.GetMimetype(), Size: m.GetFileLength(), Caption: m.GetCaption()}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return &models.MediaDescriptor{Kind: "audio", MimeType: m.GetMimetype(), Size: m.GetFileLength()}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return &models.MediaDescriptor{Kind: "document", MimeType: m.GetMimetype(), Size: m.GetFileLength(), Caption: m.GetCaption()}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return &models.MediaDescriptor{Kind: "sticker", MimeType: m.GetMimetype(), Size: m.GetFileLength()}
	}
	return nil
}

// ParseChatJID accepts a full JID or a phone number in any formatting.
func ParseChatJID(chatID string) (types.JID, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(chatID, "@") {
		jid, err := types.ParseJID(chatID)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid chat id %q: %w", chatID, err)
		}
		return jid, nil
	}
	digits := models.DigitsOnly(chatID)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid chat id %q", chatID)
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// IsBroadcast reports whether chatID is a status or broadcast list.
func IsBroadcast(chatID string) bool {
	return strings.HasSuffix(chatID, "@"+types.BroadcastServer)
}
