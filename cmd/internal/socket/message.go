package socket

import "encoding/json"

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// Message is a message as produced by the engine. Content is kept verbatim.
type Message struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp,omitempty"`
	Status           MessageStatus   `json:"status,omitempty"`
	Content          json.RawMessage `json:"message,omitempty"`
}

// MessageUpdate is a partial update of a known message.
type MessageUpdate struct {
	Key    MessageKey          `json:"key"`
	Update MessageUpdateFields `json:"update"`
}

// MessageUpdateFields holds the updated fields. Status is nil when unchanged; Content is
// set when the message body itself changed (edits, media re-uploads).
type MessageUpdateFields struct {
	Status  *MessageStatus  `json:"status,omitempty"`
	Content json.RawMessage `json:"message,omitempty"`
}

type mediaPart struct {
	Mimetype string `json:"mimetype"`
}

type messageContent struct {
	ImageMessage               *mediaPart `json:"imageMessage"`
	AudioMessage               *mediaPart `json:"audioMessage"`
	VideoMessage               *mediaPart `json:"videoMessage"`
	DocumentMessage            *mediaPart `json:"documentMessage"`
	DocumentWithCaptionMessage *struct {
		Message *struct {
			DocumentMessage *mediaPart `json:"documentMessage"`
		} `json:"message"`
	} `json:"documentWithCaptionMessage"`
}

// MediaMimeType returns the MIME type of the message's media part, or "" when the message
// carries none. Image, audio, video, document and captioned document are checked in that order.
func (m Message) MediaMimeType() string {
	if len(m.Content) == 0 {
		return ""
	}
	var c messageContent
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return ""
	}

	for _, p := range []*mediaPart{c.ImageMessage, c.AudioMessage, c.VideoMessage, c.DocumentMessage} {
		if p != nil && p.Mimetype != "" {
			return p.Mimetype
		}
	}
	if d := c.DocumentWithCaptionMessage; d != nil && d.Message != nil && d.Message.DocumentMessage != nil {
		return d.Message.DocumentMessage.Mimetype
	}
	return ""
}
