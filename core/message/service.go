package message

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	previewLen = 140
)

var (
	// errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrForbidden            = errors.New("only the receiver can mark a message as seen")

	unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type (
	Repository interface {
		GetConversation(ctx context.Context, id string) (Conversation, error)
		// FindConversation returns ErrConversationNotFound if the pair has no conversation yet.
		FindConversation(ctx context.Context, teacherID, studentID string) (Conversation, error)
		// CreateConversation returns ErrConversationExists if the pair already has one.
		CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
		// ListConversations returns userID's conversations, most recently active first.
		ListConversations(ctx context.Context, userID string) ([]Conversation, error)

		// CreateMessage inserts msg and bumps its conversation's last_message_at atomically.
		// last_message_at never moves backwards.
		CreateMessage(ctx context.Context, msg Message) (Message, error)
		GetMessage(ctx context.Context, id string) (Message, error)
		// ListMessages returns the `limit` most recent messages of the conversation in ascending sent_at order.
		ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
		// MarkSeen sets seen_at only if it is still null, and reports whether it did.
		MarkSeen(ctx context.Context, id string, at time.Time) (bool, error)
	}

	// BlobStore stores message attachments.
	BlobStore interface {
		Put(ctx context.Context, key string, r io.Reader, contentType string) error
		URL(key string) string
	}

	// Publisher pushes realtime events to the connected users.
	Publisher interface {
		// PublishMessage delivers msg to every connection of its receiver and its sender.
		PublishMessage(ctx context.Context, msg Message)
		// PublishSeen delivers the receipt to every connection of the message's sender.
		PublishSeen(ctx context.Context, senderID string, receipt SeenReceipt)
		IsOnline(userID string) bool
	}

	Service struct {
		repo      Repository
		usrSvc    *user.Service
		blobs     BlobStore
		publisher Publisher
		mailSvc   core.EmailService
	}
)

func NewService(
	repo Repository,
	usrSvc *user.Service,
	blobs BlobStore,
	publisher Publisher,
	mailSvc core.EmailService,
) *Service {
	return &Service{
		repo:      repo,
		usrSvc:    usrSvc,
		blobs:     blobs,
		publisher: publisher,
		mailSvc:   mailSvc,
	}
}

// ListConversations returns the caller's conversations with their peer's profile.
func (svc *Service) ListConversations(ctx context.Context, caller user.User) ([]ConversationView, error) {
	convs, err := svc.repo.ListConversations(ctx, caller.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}

	peerIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		peerIDs = append(peerIDs, c.PeerOf(caller.ID))
	}
	peers, err := svc.usrSvc.GetMany(ctx, peerIDs...)
	if err != nil {
		return nil, errors.Wrap(err, "getting peers")
	}

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		peer := peers[c.PeerOf(caller.ID)]
		views = append(views, ConversationView{Conversation: c, Peer: peer.Profile()})
	}
	return views, nil
}

// ListMessages returns the latest messages of a conversation the caller takes part in.
// Conversations the caller is not part of are reported as not found.
func (svc *Service) ListMessages(ctx context.Context, caller user.User, conversationID string, limit int) ([]Message, error) {
	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(caller.ID) {
		return nil, ErrConversationNotFound
	}

	if limit <= 0 {
		limit = DefaultListLimit
	} else if limit > MaxListLimit {
		limit = MaxListLimit
	}
	msgs, err := svc.repo.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Send creates a text-like message from sender to nm.ReceiverID, creating their conversation if needed.
func (svc *Service) Send(ctx context.Context, sender user.User, nm NewMessage) (SentMessage, error) {
	if strings.TrimSpace(nm.Body) == "" {
		return SentMessage{}, core.NewFieldValidationError("body", "this field is required")
	}
	ct, ok := ParseContentType(nm.ContentType)
	if !ok {
		return SentMessage{}, core.NewFieldValidationError("content_type", contentTypeText)
	}

	receiver, pairing, err := svc.resolveReceiver(ctx, sender, nm.ReceiverID)
	if err != nil {
		return SentMessage{}, err
	}
	return svc.send(ctx, sender, receiver, pairing, nm.Body, ct)
}

// Upload stores the file then sends its URL as a message whose content type matches the file's MIME type.
func (svc *Service) Upload(ctx context.Context, sender user.User, receiverID string, up Upload) (SentMessage, error) {
	if up.Content == nil || up.Size <= 0 {
		return SentMessage{}, core.NewFieldValidationError("file", "this field is required")
	}
	receiver, pairing, err := svc.resolveReceiver(ctx, sender, receiverID)
	if err != nil {
		return SentMessage{}, err
	}

	key := attachmentKey(sender.ID, up.Filename)
	if err = svc.blobs.Put(ctx, key, up.Content, up.ContentType); err != nil {
		return SentMessage{}, errors.Wrap(err, "storing attachment")
	}
	return svc.send(ctx, sender, receiver, pairing, svc.blobs.URL(key), ContentTypeFromMIME(up.ContentType))
}

// MarkSeen records that the caller, who must be the message's receiver, has seen it.
// Marking an already seen message is a no-op returning the stored seen_at.
func (svc *Service) MarkSeen(ctx context.Context, caller user.User, messageID string) (Message, error) {
	msg, err := svc.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.ReceiverID != caller.ID {
		return Message{}, ErrForbidden
	}
	if msg.SeenAt != nil {
		return msg, nil
	}

	seenAt := core.Now()
	transitioned, err := svc.repo.MarkSeen(ctx, msg.ID, seenAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "marking message as seen")
	}
	if !transitioned { // a concurrent call won
		return svc.repo.GetMessage(ctx, msg.ID)
	}

	msg.SeenAt = &seenAt
	svc.publisher.PublishSeen(ctx, msg.SenderID, SeenReceipt{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SeenAt:         seenAt,
	})
	return msg, nil
}

func (svc *Service) resolveReceiver(ctx context.Context, sender user.User, receiverID string) (user.User, user.Pairing, error) {
	receiverID = core.CleanString(receiverID)
	if receiverID == "" {
		return user.User{}, user.Pairing{}, core.NewFieldValidationError("receiver_id", "this field is required")
	}
	if receiverID == sender.ID {
		return user.User{}, user.Pairing{}, core.NewFieldValidationError("receiver_id", "you cannot message yourself")
	}

	receiver, err := svc.usrSvc.GetByID(ctx, receiverID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, user.Pairing{}, core.NewFieldValidationError("receiver_id", user.ErrNotFound.Error())
		}
		return user.User{}, user.Pairing{}, errors.Wrap(err, "getting receiver")
	}

	pairing, ok, err := svc.usrSvc.Pair(ctx, sender, receiver)
	if err != nil {
		return user.User{}, user.Pairing{}, errors.Wrap(err, "checking peers")
	}
	if !ok {
		return user.User{}, user.Pairing{}, core.NewFieldValidationError("receiver_id", "you can only message your teachers or students")
	}
	return receiver, pairing, nil
}

func (svc *Service) send(ctx context.Context, sender, receiver user.User, pairing user.Pairing, body string, ct ContentType) (SentMessage, error) {
	conv, err := svc.findOrCreateConversation(ctx, pairing.Teacher.ID, pairing.Student.ID)
	if err != nil {
		return SentMessage{}, errors.Wrap(err, "finding or creating conversation")
	}

	msg, err := svc.repo.CreateMessage(ctx, Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		ReceiverID:     receiver.ID,
		Body:           body,
		ContentType:    ct,
		SentAt:         core.Now(),
	})
	if err != nil {
		return SentMessage{}, errors.Wrap(err, "creating message")
	}

	if conv, err = svc.repo.GetConversation(ctx, conv.ID); err != nil {
		return SentMessage{}, errors.Wrap(err, "refreshing conversation")
	}

	svc.publisher.PublishMessage(ctx, msg)
	if !svc.publisher.IsOnline(receiver.ID) {
		svc.notifyOffline(sender, receiver, msg)
	}
	return SentMessage{Message: msg, Conversation: conv}, nil
}

// findOrCreateConversation tolerates concurrent first sends: the loser of the insert race reads the winner's row.
func (svc *Service) findOrCreateConversation(ctx context.Context, teacherID, studentID string) (Conversation, error) {
	conv, err := svc.repo.FindConversation(ctx, teacherID, studentID)
	if err == nil {
		return conv, nil
	}
	if errors.Cause(err) != ErrConversationNotFound {
		return Conversation{}, err
	}

	conv, err = svc.repo.CreateConversation(ctx, Conversation{
		ID:        uuid.New().String(),
		TeacherID: teacherID,
		StudentID: studentID,
		CreatedAt: core.Now(),
	})
	if errors.Cause(err) == ErrConversationExists {
		return svc.repo.FindConversation(ctx, teacherID, studentID)
	}
	return conv, err
}

type newMessageEmailData struct {
	ReceiverName   string
	SenderName     string
	Preview        string
	ConversationID string
}

func (svc *Service) notifyOffline(sender, receiver user.User, msg Message) {
	if receiver.Email == "" || svc.mailSvc == nil {
		return
	}
	preview := msg.Body
	if msg.ContentType != ContentText {
		preview = fmt.Sprintf("[%s] %s", msg.ContentType, msg.Body)
	}
	if r := []rune(preview); len(r) > previewLen {
		preview = string(r[:previewLen]) + "..."
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: receiver.Name, Address: receiver.Email}},
		Subject:      "New message from " + sender.Name,
		Thread:       "conversation-" + msg.ConversationID,
		TemplateName: "new_message",
		TemplateData: newMessageEmailData{
			ReceiverName:   receiver.Name,
			SenderName:     sender.Name,
			Preview:        preview,
			ConversationID: msg.ConversationID,
		},
	})
}

// attachmentKey builds a unique, path-safe blob key for an uploaded file.
func attachmentKey(senderID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Trim(unsafeKeyChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "file"
	}
	return path.Join("attachments", senderID, uuid.New().String(), name)
}
