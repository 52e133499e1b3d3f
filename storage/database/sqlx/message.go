package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/storage/database"
)

const (
	conversationColumns = `id, teacher_id, student_id, created_at, last_message_at`
	messageColumns      = `id, conversation_id, sender_id, receiver_id, body, content_type, sent_at, seen_at`
)

type messageRepository struct {
	db core.DB
}

var _ message.Repository = (*messageRepository)(nil) // interface compliance check

func NewMessageRepository(db core.DB) *messageRepository {
	return &messageRepository{db: db}
}

func utcTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func utcConversation(c message.Conversation) message.Conversation {
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = utcTimePtr(c.LastMessageAt)
	return c
}

func utcMessage(m message.Message) message.Message {
	m.SentAt = m.SentAt.UTC()
	m.SeenAt = utcTimePtr(m.SeenAt)
	return m
}

func (repo messageRepository) GetConversation(ctx context.Context, id string) (message.Conversation, error) {
	var conv message.Conversation
	q := repo.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversation WHERE id = ?`)
	if err := repo.db.GetContext(ctx, &conv, q, id); err != nil {
		return message.Conversation{}, trapNoRowsErr(err, message.ErrConversationNotFound, "getting conversation")
	}
	return utcConversation(conv), nil
}

func (repo messageRepository) FindConversation(ctx context.Context, teacherID, studentID string) (message.Conversation, error) {
	var conv message.Conversation
	q := repo.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversation WHERE teacher_id = ? AND student_id = ?`)
	if err := repo.db.GetContext(ctx, &conv, q, teacherID, studentID); err != nil {
		return message.Conversation{}, trapNoRowsErr(err, message.ErrConversationNotFound, "finding conversation")
	}
	return utcConversation(conv), nil
}

func (repo messageRepository) CreateConversation(ctx context.Context, conv message.Conversation) (message.Conversation, error) {
	q := `INSERT INTO conversation (` + conversationColumns + `)
		VALUES (:id, :teacher_id, :student_id, :created_at, :last_message_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.db, q, conv); err != nil {
		if database.IsUniqueViolation(err) {
			return message.Conversation{}, message.ErrConversationExists
		}
		return message.Conversation{}, errors.Wrap(err, "inserting conversation")
	}
	return utcConversation(conv), nil
}

func (repo messageRepository) ListConversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	var convs []message.Conversation
	q := repo.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversation
		WHERE teacher_id = ? OR student_id = ?
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id`)
	if err := repo.db.SelectContext(ctx, &convs, q, userID, userID); err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}
	for i := range convs {
		convs[i] = utcConversation(convs[i])
	}
	if convs == nil {
		convs = []message.Conversation{}
	}
	return convs, nil
}

func (repo messageRepository) CreateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	err := core.WithTx(ctx, repo.db, func(tx core.DBTransactor) error {
		q := `INSERT INTO message (` + messageColumns + `)
			VALUES (:id, :conversation_id, :sender_id, :receiver_id, :body, :content_type, :sent_at, :seen_at)`
		if _, err := sqlx.NamedExecContext(ctx, tx, q, msg); err != nil {
			return errors.Wrap(err, "inserting message")
		}

		q = tx.Rebind(`UPDATE conversation SET last_message_at = ?
			WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`)
		if _, err := tx.ExecContext(ctx, q, msg.SentAt, msg.ConversationID, msg.SentAt); err != nil {
			return errors.Wrap(err, "bumping conversation last_message_at")
		}
		return nil
	})
	if err != nil {
		return message.Message{}, err
	}
	return utcMessage(msg), nil
}

func (repo messageRepository) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var msg message.Message
	q := repo.db.Rebind(`SELECT ` + messageColumns + ` FROM message WHERE id = ?`)
	if err := repo.db.GetContext(ctx, &msg, q, id); err != nil {
		return message.Message{}, trapNoRowsErr(err, message.ErrMessageNotFound, "getting message")
	}
	return utcMessage(msg), nil
}

func (repo messageRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	var msgs []message.Message
	q := repo.db.Rebind(`SELECT ` + messageColumns + ` FROM message
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`)
	if err := repo.db.SelectContext(ctx, &msgs, q, conversationID, limit); err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}

	// latest `limit` messages, oldest first
	n := len(msgs)
	res := make([]message.Message, n)
	for i, m := range msgs {
		res[n-1-i] = utcMessage(m)
	}
	return res, nil
}

func (repo messageRepository) MarkSeen(ctx context.Context, id string, at time.Time) (bool, error) {
	q := repo.db.Rebind(`UPDATE message SET seen_at = ? WHERE id = ? AND seen_at IS NULL`)
	res, err := repo.db.ExecContext(ctx, q, at, id)
	if err != nil {
		return false, errors.Wrap(err, "marking message as seen")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "marking message as seen")
	}
	return n > 0, nil
}
