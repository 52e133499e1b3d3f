package emailsvc

import (
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	logsvc "github.com/trezcool/shule/services/logger"
)

func TestConsoleServiceMock_SendMessages(t *testing.T) {
	conf := core.NewTestConfig()
	logger := logsvc.NewDiscardLogger(conf)
	core.ParseEmailTemplates(logger)
	svc := NewConsoleServiceMock(conf, logger)

	to := []mail.Address{{Name: "Stu Dent", Address: "student@test.cd"}}
	svc.SendMessages(
		&core.EmailMessage{To: to, Subject: "plain", BodyStr: "hello"},
		&core.EmailMessage{
			To:           to,
			Subject:      "New message",
			TemplateName: "new_message",
			TemplateData: map[string]string{
				"ReceiverName":   "Stu Dent",
				"SenderName":     "Tea Cher",
				"Preview":        "See you tomorrow",
				"ConversationID": "c1",
			},
		},
		&core.EmailMessage{Subject: "no recipients", BodyStr: "lost"},
		&core.EmailMessage{To: to, Subject: "unknown template", TemplateName: "lol"},
	)

	sent := svc.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "hello", sent[0].TextContent)
	assert.Empty(t, sent[0].HTMLContent)

	assert.True(t, strings.Contains(sent[1].TextContent, "Tea Cher sent you a new message"))
	assert.True(t, strings.Contains(sent[1].TextContent, conf.FrontendBaseURL+"/messages/c1"))
	assert.True(t, strings.Contains(sent[1].HTMLContent, "<strong>Tea Cher</strong>"))
}

func Test_sendgridService_prepare(t *testing.T) {
	conf := core.NewTestConfig()
	svc := NewSendgridService(conf, logsvc.NewDiscardLogger(conf)).(*sendgridService)

	m := svc.prepare(core.EmailMessage{
		To:           []mail.Address{{Name: "Stu Dent", Address: "student@test.cd"}},
		Subject:      "New message from Tea Cher",
		Thread:       "conversation-c1",
		TemplateName: "new_message",
		TextContent:  "hi",
		HTMLContent:  "<p>hi</p>",
	})
	require.Len(t, m.Personalizations, 1)
	assert.Equal(t, "["+conf.AppName+"] New message from Tea Cher", m.Personalizations[0].Subject)
	assert.Equal(t, []string{"new_message"}, m.Categories)
	assert.Len(t, m.Content, 2)

	id := core.ThreadID("conversation-c1", conf.DefaultFromEmail)
	assert.Equal(t, id, m.Headers["References"])
	assert.Equal(t, id, m.Headers["In-Reply-To"])

	plain := svc.prepare(core.EmailMessage{Subject: "plain", TextContent: "hi"})
	assert.Empty(t, plain.Categories)
	assert.Empty(t, plain.Headers)
	assert.Len(t, plain.Content, 1)
}

func Test_sendgridService_send(t *testing.T) {
	conf := core.NewTestConfig()
	svc := NewSendgridService(conf, logsvc.NewDiscardLogger(conf)).(*sendgridService)

	oldHost, oldDelay := host, retryDelay
	retryDelay = time.Millisecond
	t.Cleanup(func() { host, retryDelay = oldHost, oldDelay })

	tests := []struct {
		name      string
		statuses  []int // by attempt; the last one repeats
		wantCalls int32
	}{
		{name: "accepted", statuses: []int{http.StatusAccepted}, wantCalls: 1},
		{name: "throttled then accepted", statuses: []int{http.StatusTooManyRequests, http.StatusAccepted}, wantCalls: 2},
		{name: "bad request is not retried", statuses: []int{http.StatusBadRequest}, wantCalls: 1},
		{name: "gives up", statuses: []int{http.StatusServiceUnavailable}, wantCalls: maxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(atomic.AddInt32(&calls, 1))
				if n > len(tt.statuses) {
					n = len(tt.statuses)
				}
				assert.Equal(t, endpoint, r.URL.Path)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()
			host = srv.URL

			svc.send(core.EmailMessage{
				To:          []mail.Address{{Address: "student@test.cd"}},
				Subject:     "hi",
				TextContent: "hi",
			})
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestThreadID(t *testing.T) {
	assert.Equal(t, "<conversation-c1@shule.cd>", core.ThreadID("conversation-c1", mail.Address{Address: "noreply@shule.cd"}))
	assert.Equal(t, "<conversation-c1@localhost>", core.ThreadID("conversation-c1", mail.Address{}))
}
