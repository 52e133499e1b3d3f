package sqlxrepos_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
	inmemdb "github.com/trezcool/shule/storage/database/inmem"
	sqlxrepos "github.com/trezcool/shule/storage/database/sqlx"
	"github.com/trezcool/shule/tests"
)

type repos struct {
	usr user.Repository
	msg message.Repository
}

// both implementations must behave the same
var backends = []struct {
	name string
	open func(t *testing.T) repos
}{
	{
		name: "sqlx",
		open: func(t *testing.T) repos {
			db := testutil.OpenDB(t)
			return repos{usr: sqlxrepos.NewUserRepository(db), msg: sqlxrepos.NewMessageRepository(db)}
		},
	},
	{
		name: "inmem",
		open: func(t *testing.T) repos {
			db := inmemdb.NewDB()
			return repos{usr: inmemdb.NewUserRepository(db), msg: inmemdb.NewMessageRepository(db)}
		},
	},
}

func newConversation(t *testing.T, repo message.Repository, teacher, student user.User, createdAt time.Time) message.Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), message.Conversation{
		ID:        "c-" + teacher.Username + "-" + student.Username,
		TeacherID: teacher.ID,
		StudentID: student.ID,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return conv
}

func newMessage(t *testing.T, repo message.Repository, id string, conv message.Conversation, from, to string, sentAt time.Time) message.Message {
	t.Helper()
	msg, err := repo.CreateMessage(context.Background(), message.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       from,
		ReceiverID:     to,
		Body:           "body of " + id,
		ContentType:    message.ContentText,
		SentAt:         sentAt,
	})
	require.NoError(t, err)
	return msg
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			r := b.open(t)
			teacher := testutil.CreateUser(t, r.usr, "Teacher", "teacher", "teacher@test.cd", []string{user.RoleTeacher}, true)
			bob := testutil.CreateUser(t, r.usr, "Bob", "bob", "bob@test.cd", []string{user.RoleStudent}, true)
			alice := testutil.CreateUser(t, r.usr, "Alice", "alice", "", []string{user.RoleStudent}, true)
			gone := testutil.CreateUser(t, r.usr, "Gone", "gone", "", []string{user.RoleStudent}, false)
			other := testutil.CreateUser(t, r.usr, "Other", "other", "", []string{user.RoleTeacher}, true)

			maths := testutil.CreateCourse(t, r.usr, "Maths", teacher)
			physics := testutil.CreateCourse(t, r.usr, "Physics", teacher)
			testutil.Enroll(t, r.usr, maths, bob, alice, gone)
			testutil.Enroll(t, r.usr, physics, bob)
			testutil.Enroll(t, r.usr, maths, bob) // twice is a no-op

			t.Run("uniqueness", func(t *testing.T) {
				assert.Equal(t, user.ErrUsernameExists, r.usr.CheckUsernameUniqueness(ctx, "bob", "new@test.cd"))
				assert.Equal(t, user.ErrEmailExists, r.usr.CheckUsernameUniqueness(ctx, "new", "bob@test.cd"))
				assert.NoError(t, r.usr.CheckUsernameUniqueness(ctx, "new", ""))
				_, err := r.usr.CreateUser(ctx, user.User{Name: "Bob 2", Username: "bob", CreatedAt: core.Now(), UpdatedAt: core.Now()})
				assert.Equal(t, user.ErrUsernameExists, err)
			})

			t.Run("get", func(t *testing.T) {
				got, err := r.usr.GetUser(ctx, user.GetFilter{ID: bob.ID})
				require.NoError(t, err)
				assert.Equal(t, bob.Username, got.Username)
				assert.True(t, got.IsStudent())

				got, err = r.usr.GetUser(ctx, user.GetFilter{UsernameOrEmail: "teacher@test.cd"})
				require.NoError(t, err)
				assert.Equal(t, teacher.ID, got.ID)

				_, err = r.usr.GetUser(ctx, user.GetFilter{UsernameOrEmail: "lol"})
				assert.Equal(t, user.ErrNotFound, err)
				_, err = r.usr.GetUser(ctx, user.GetFilter{})
				assert.Equal(t, user.ErrNotFound, err)

				_, err = r.usr.GetCourse(ctx, "lol")
				assert.Equal(t, user.ErrCourseNotFound, err)
			})

			t.Run("list by id", func(t *testing.T) {
				users, err := r.usr.ListUsersByID(ctx, bob.ID, alice.ID, "lol")
				require.NoError(t, err)
				require.Len(t, users, 2)
				assert.Equal(t, alice.ID, users[0].ID)
				assert.Equal(t, bob.ID, users[1].ID)

				users, err = r.usr.ListUsersByID(ctx)
				require.NoError(t, err)
				assert.Equal(t, []user.User{}, users)
			})

			t.Run("peers", func(t *testing.T) {
				students, err := r.usr.ListStudentsOfTeacher(ctx, teacher.ID)
				require.NoError(t, err)
				require.Len(t, students, 2, "distinct & active only")
				assert.Equal(t, alice.ID, students[0].ID)
				assert.Equal(t, bob.ID, students[1].ID)

				teachers, err := r.usr.ListTeachersOfStudent(ctx, bob.ID)
				require.NoError(t, err)
				require.Len(t, teachers, 1)
				assert.Equal(t, teacher.ID, teachers[0].ID)

				none, err := r.usr.ListStudentsOfTeacher(ctx, other.ID)
				require.NoError(t, err)
				assert.Empty(t, none)

				ok, err := r.usr.IsEnrolledWith(ctx, teacher.ID, alice.ID)
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = r.usr.IsEnrolledWith(ctx, other.ID, alice.ID)
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

func TestMessageRepository(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC)

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			r := b.open(t)
			teacher := testutil.CreateUser(t, r.usr, "Teacher", "teacher", "", []string{user.RoleTeacher}, true)
			bob := testutil.CreateUser(t, r.usr, "Bob", "bob", "", []string{user.RoleStudent}, true)
			alice := testutil.CreateUser(t, r.usr, "Alice", "alice", "", []string{user.RoleStudent}, true)
			carl := testutil.CreateUser(t, r.usr, "Carl", "carl", "", []string{user.RoleStudent}, true)

			withBob := newConversation(t, r.msg, teacher, bob, t0)
			withAlice := newConversation(t, r.msg, teacher, alice, t0.Add(time.Minute))
			withCarl := newConversation(t, r.msg, teacher, carl, t0.Add(2*time.Minute))

			t.Run("one conversation per pair", func(t *testing.T) {
				_, err := r.msg.CreateConversation(ctx, message.Conversation{
					ID: "dup", TeacherID: teacher.ID, StudentID: bob.ID, CreatedAt: t0,
				})
				assert.Equal(t, message.ErrConversationExists, err)

				got, err := r.msg.FindConversation(ctx, teacher.ID, bob.ID)
				require.NoError(t, err)
				assert.Equal(t, withBob.ID, got.ID)
				assert.Nil(t, got.LastMessageAt)

				_, err = r.msg.FindConversation(ctx, bob.ID, teacher.ID)
				assert.Equal(t, message.ErrConversationNotFound, err)
				_, err = r.msg.GetConversation(ctx, "lol")
				assert.Equal(t, message.ErrConversationNotFound, err)
			})

			newMessage(t, r.msg, "m1", withBob, bob.ID, teacher.ID, t0.Add(10*time.Minute))
			newMessage(t, r.msg, "m2", withAlice, teacher.ID, alice.ID, t0.Add(20*time.Minute))
			newMessage(t, r.msg, "m3", withBob, teacher.ID, bob.ID, t0.Add(30*time.Minute))
			// late arrival: last_message_at never moves backwards
			newMessage(t, r.msg, "m0", withBob, bob.ID, teacher.ID, t0.Add(5*time.Minute))

			t.Run("list conversations", func(t *testing.T) {
				convs, err := r.msg.ListConversations(ctx, teacher.ID)
				require.NoError(t, err)
				require.Len(t, convs, 3)
				assert.Equal(t, []string{withBob.ID, withAlice.ID, withCarl.ID}, []string{convs[0].ID, convs[1].ID, convs[2].ID})
				require.NotNil(t, convs[0].LastMessageAt)
				assert.True(t, t0.Add(30*time.Minute).Equal(*convs[0].LastMessageAt))
				assert.Nil(t, convs[2].LastMessageAt)

				convs, err = r.msg.ListConversations(ctx, alice.ID)
				require.NoError(t, err)
				require.Len(t, convs, 1)

				convs, err = r.msg.ListConversations(ctx, "lol")
				require.NoError(t, err)
				assert.Equal(t, []message.Conversation{}, convs)
			})

			t.Run("list messages", func(t *testing.T) {
				msgs, err := r.msg.ListMessages(ctx, withBob.ID, 10)
				require.NoError(t, err)
				require.Len(t, msgs, 3)
				assert.Equal(t, []string{"m0", "m1", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

				msgs, err = r.msg.ListMessages(ctx, withBob.ID, 2)
				require.NoError(t, err)
				require.Len(t, msgs, 2, "the latest ones")
				assert.Equal(t, []string{"m1", "m3"}, []string{msgs[0].ID, msgs[1].ID})

				msgs, err = r.msg.ListMessages(ctx, withCarl.ID, 10)
				require.NoError(t, err)
				assert.Empty(t, msgs)
			})

			t.Run("mark seen", func(t *testing.T) {
				at := t0.Add(time.Hour)
				ok, err := r.msg.MarkSeen(ctx, "m3", at)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = r.msg.MarkSeen(ctx, "m3", at.Add(time.Hour))
				require.NoError(t, err)
				assert.False(t, ok, "seen_at is set once")

				got, err := r.msg.GetMessage(ctx, "m3")
				require.NoError(t, err)
				require.NotNil(t, got.SeenAt)
				assert.True(t, at.Equal(*got.SeenAt))

				ok, err = r.msg.MarkSeen(ctx, "lol", at)
				require.NoError(t, err)
				assert.False(t, ok)
				_, err = r.msg.GetMessage(ctx, "lol")
				assert.Equal(t, message.ErrMessageNotFound, err)
			})

			t.Run("concurrent sends", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := r.msg.CreateMessage(ctx, message.Message{
							ID:             "c" + string(rune('a'+i)),
							ConversationID: withCarl.ID,
							SenderID:       teacher.ID,
							ReceiverID:     carl.ID,
							Body:           "hi",
							ContentType:    message.ContentText,
							SentAt:         t0.Add(time.Duration(i) * time.Second),
						})
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()

				conv, err := r.msg.GetConversation(ctx, withCarl.ID)
				require.NoError(t, err)
				require.NotNil(t, conv.LastMessageAt)
				assert.True(t, t0.Add(9*time.Second).Equal(*conv.LastMessageAt))

				msgs, err := r.msg.ListMessages(ctx, withCarl.ID, 100)
				require.NoError(t, err)
				assert.Len(t, msgs, 10)
			})
		})
	}
}
