package message

import (
	"context"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// ContentType tells clients how to render a Message body.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
	ContentFile  ContentType = "file"

	contentDocument = "document" // legacy alias of ContentFile
)

var ContentTypes = []ContentType{ContentText, ContentLink, ContentImage, ContentVideo, ContentAudio, ContentFile}

// ParseContentType maps s to a known ContentType. An empty s is text.
func ParseContentType(s string) (ContentType, bool) {
	s = core.CleanString(s, true /* lower */)
	switch s {
	case "":
		return ContentText, true
	case contentDocument:
		return ContentFile, true
	}
	for _, ct := range ContentTypes {
		if string(ct) == s {
			return ct, true
		}
	}
	return "", false
}

// ContentTypeFromMIME derives the ContentType of an uploaded file from its MIME type.
func ContentTypeFromMIME(mimeType string) ContentType {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(mimeType)
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return ContentImage
	case strings.HasPrefix(mediaType, "video/"):
		return ContentVideo
	case strings.HasPrefix(mediaType, "audio/"):
		return ContentAudio
	}
	return ContentFile
}

// Conversation is the thread between exactly one teacher and one student.
type Conversation struct {
	ID            string     `json:"id" db:"id"`
	TeacherID     string     `json:"teacher_id" db:"teacher_id"`
	StudentID     string     `json:"student_id" db:"student_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at" db:"last_message_at"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.TeacherID == userID || c.StudentID == userID)
}

// PeerOf returns the id of the other participant.
func (c Conversation) PeerOf(userID string) string {
	if c.TeacherID == userID {
		return c.StudentID
	}
	return c.TeacherID
}

// ConversationView is a Conversation as seen by one of its participants.
type ConversationView struct {
	Conversation
	Peer user.Profile `json:"peer"`
}

type Message struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	SenderID       string      `json:"sender_id" db:"sender_id"`
	ReceiverID     string      `json:"receiver_id" db:"receiver_id"`
	Body           string      `json:"body" db:"body"`
	ContentType    ContentType `json:"content_type" db:"content_type"`
	SentAt         time.Time   `json:"sent_at" db:"sent_at"`
	SeenAt         *time.Time  `json:"seen_at" db:"seen_at"`
}

// SentMessage is returned on send. It carries the conversation so that clients can bind a placeholder chat.
type SentMessage struct {
	Message
	Conversation Conversation `json:"conversation"`
}

// SeenReceipt is pushed to the sender when the receiver first sees a message.
type SeenReceipt struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SeenAt         time.Time `json:"seen_at"`
}

// NewMessage contains information needed to send a Message.
type NewMessage struct {
	ReceiverID  string `json:"receiver_id" validate:"required"`
	Body        string `json:"body" validate:"required,notblank,max=10000"`
	ContentType string `json:"content_type" validate:"omitempty,contenttype"`
}

func (nm *NewMessage) Validate(_ context.Context, validate *validator.Validate) error {
	nm.ReceiverID = core.CleanString(nm.ReceiverID)
	nm.ContentType = core.CleanString(nm.ContentType, true /* lower */)
	return validate.Struct(nm)
}

// Upload is a file sent as a message attachment.
type Upload struct {
	Filename    string
	ContentType string // MIME
	Size        int64
	Content     io.Reader
}
