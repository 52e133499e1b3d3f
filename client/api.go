package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
)

const DefaultBaseURL = "http://localhost:5000"

// StatusError is returned when the API answers with a non 2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// IsStatus reports whether the cause of err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func newStatusError(resp *rest.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(resp.Body)}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil || len(body) == 0 {
		return se
	}
	if msg, ok := body["error"].(string); ok {
		se.Message = msg
		return se
	}
	// validation errors: {"field": "message", ...}
	fields := make([]string, 0, len(body))
	for k, v := range body {
		fields = append(fields, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(fields)
	se.Message = strings.Join(fields, ", ")
	return se
}

// API is a client of the messaging REST gateway.
type API struct {
	baseURL string
	client  *rest.Client
	logger  core.Logger

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string, logger core.Logger) *API {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  rest.DefaultClient,
		logger:  logger,
	}
}

func (api *API) BaseURL() string { return api.baseURL }

func (api *API) Token() string {
	api.mu.RLock()
	defer api.mu.RUnlock()
	return api.token
}

func (api *API) SetToken(token string) {
	api.mu.Lock()
	api.token = token
	api.mu.Unlock()
}

// SocketURL is the realtime endpoint matching the API's base URL.
func (api *API) SocketURL() (string, error) {
	u, err := url.Parse(api.baseURL + "/messages/ws")
	if err != nil {
		return "", errors.Wrap(err, "parsing API url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

type request struct {
	method      rest.Method
	path        string
	query       map[string]string
	body        []byte
	contentType string
}

func (api *API) do(ctx context.Context, r request, out interface{}) error {
	headers := map[string]string{"Accept": "application/json"}
	if token := api.Token(); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	if r.contentType != "" {
		headers["Content-Type"] = r.contentType
	}

	resp, err := api.client.SendWithContext(ctx, rest.Request{
		Method:      r.method,
		BaseURL:     api.baseURL + r.path,
		Headers:     headers,
		QueryParams: r.query,
		Body:        r.body,
	})
	if err != nil {
		return errors.Wrapf(err, "%s %s", r.method, r.path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(resp)
	}
	if out != nil {
		if err = json.Unmarshal([]byte(resp.Body), out); err != nil {
			return errors.Wrapf(err, "decoding %s %s response", r.method, r.path)
		}
	}
	return nil
}

func (api *API) logListError(what string, err error) {
	api.logger.Error(fmt.Sprintf("client.API: listing %s: %v", what, err), err)
}

// ListConversations returns the caller's conversations, most recently active first.
// Failures are logged and reported as an empty list.
func (api *API) ListConversations(ctx context.Context) []message.ConversationView {
	var convs []message.ConversationView
	if err := api.do(ctx, request{method: rest.Get, path: "/messages/conversations"}, &convs); err != nil {
		api.logListError("conversations", err)
		return []message.ConversationView{}
	}
	if convs == nil {
		convs = []message.ConversationView{}
	}
	return convs
}

// ListPeers returns the users the caller may message. Failures are logged and reported as an empty list.
func (api *API) ListPeers(ctx context.Context) []user.Profile {
	var peers []user.Profile
	if err := api.do(ctx, request{method: rest.Get, path: "/messages/peers"}, &peers); err != nil {
		api.logListError("peers", err)
		return []user.Profile{}
	}
	if peers == nil {
		peers = []user.Profile{}
	}
	return peers
}

// ListMessages returns the latest messages of a conversation, oldest first.
// A limit <= 0 lets the server pick its default. Failures are logged and reported as an empty list.
func (api *API) ListMessages(ctx context.Context, conversationID string, limit int) []message.Message {
	r := request{method: rest.Get, path: "/messages/" + url.PathEscape(conversationID)}
	if limit > 0 {
		r.query = map[string]string{"limit": strconv.Itoa(limit)}
	}

	var msgs []message.Message
	if err := api.do(ctx, r, &msgs); err != nil {
		api.logListError("messages of "+conversationID, err)
		return []message.Message{}
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return msgs
}

func (api *API) Send(ctx context.Context, nm message.NewMessage) (message.SentMessage, error) {
	body, err := json.Marshal(nm)
	if err != nil {
		return message.SentMessage{}, errors.Wrap(err, "encoding message")
	}
	var sent message.SentMessage
	err = api.do(ctx, request{method: rest.Post, path: "/messages", body: body, contentType: "application/json"}, &sent)
	return sent, err
}

// Upload sends a file as an attachment message to receiverID.
func (api *API) Upload(ctx context.Context, receiverID, filename string, content io.Reader) (message.SentMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("receiver_id", receiverID); err != nil {
		return message.SentMessage{}, errors.Wrap(err, "writing receiver_id")
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return message.SentMessage{}, errors.Wrap(err, "creating file part")
	}
	if _, err = io.Copy(fw, content); err != nil {
		return message.SentMessage{}, errors.Wrap(err, "reading file")
	}
	if err = mw.Close(); err != nil {
		return message.SentMessage{}, errors.Wrap(err, "closing multipart body")
	}

	var sent message.SentMessage
	err = api.do(ctx, request{
		method:      rest.Post,
		path:        "/messages/upload",
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	}, &sent)
	return sent, err
}

func (api *API) MarkSeen(ctx context.Context, messageID string) (message.Message, error) {
	var msg message.Message
	err := api.do(ctx, request{method: rest.Post, path: "/messages/" + url.PathEscape(messageID) + "/seen"}, &msg)
	return msg, err
}
