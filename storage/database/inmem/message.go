package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/shule/core/message"
)

type messageRepository struct {
	db *messageTable
}

var _ message.Repository = (*messageRepository)(nil)

func NewMessageRepository(db *DB) message.Repository {
	return &messageRepository{db: db.message}
}

func (repo *messageRepository) GetConversation(_ context.Context, id string) (message.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c, ok := repo.db.conversations[id]; ok {
		return *c, nil
	}
	return message.Conversation{}, message.ErrConversationNotFound
}

func (repo *messageRepository) FindConversation(_ context.Context, teacherID, studentID string) (message.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c := repo.find(teacherID, studentID); c != nil {
		return *c, nil
	}
	return message.Conversation{}, message.ErrConversationNotFound
}

// find must be called with the lock held.
func (repo *messageRepository) find(teacherID, studentID string) *message.Conversation {
	for _, c := range repo.db.conversations {
		if c.TeacherID == teacherID && c.StudentID == studentID {
			return c
		}
	}
	return nil
}

func (repo *messageRepository) CreateConversation(_ context.Context, conv message.Conversation) (message.Conversation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if repo.find(conv.TeacherID, conv.StudentID) != nil {
		return message.Conversation{}, message.ErrConversationExists
	}
	repo.db.conversations[conv.ID] = &conv
	return conv, nil
}

func (repo *messageRepository) ListConversations(_ context.Context, userID string) ([]message.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	convs := make([]message.Conversation, 0)
	for _, c := range repo.db.conversations {
		if c.HasParticipant(userID) {
			convs = append(convs, *c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i].LastMessageAt, convs[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return convs, nil
}

func (repo *messageRepository) CreateMessage(_ context.Context, msg message.Message) (message.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	conv, ok := repo.db.conversations[msg.ConversationID]
	if !ok {
		return message.Message{}, message.ErrConversationNotFound
	}
	repo.db.messages[msg.ID] = &msg
	if conv.LastMessageAt == nil || conv.LastMessageAt.Before(msg.SentAt) {
		sentAt := msg.SentAt
		conv.LastMessageAt = &sentAt
	}
	return msg, nil
}

func (repo *messageRepository) GetMessage(_ context.Context, id string) (message.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if m, ok := repo.db.messages[id]; ok {
		return *m, nil
	}
	return message.Message{}, message.ErrMessageNotFound
}

func (repo *messageRepository) ListMessages(_ context.Context, conversationID string, limit int) ([]message.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	msgs := make([]message.Message, 0)
	for _, m := range repo.db.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (repo *messageRepository) MarkSeen(_ context.Context, id string, at time.Time) (bool, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	m, ok := repo.db.messages[id]
	if !ok || m.SeenAt != nil {
		return false, nil
	}
	m.SeenAt = &at
	return true, nil
}
