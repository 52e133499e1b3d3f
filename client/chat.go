package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/services/realtime"
)

// TypingTTL is how long a peer is shown as typing after its last typing event.
const TypingTTL = 1200 * time.Millisecond

var (
	ErrNoSelection = errors.New("no chat selected")
	ErrNotFailed   = errors.New("no failed message with this id")
)

// State of a transcript entry.
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Entry is a transcript line: a server message, or a local one the server has not acknowledged.
type Entry struct {
	message.Message
	LocalID string // set on messages sent from this client
	State   State
	Err     error
}

// Selection is the open chat. A placeholder has no conversation yet: the first message sent binds it.
type Selection struct {
	Peer           user.Profile
	ConversationID string
}

func (s Selection) IsPlaceholder() bool { return s.ConversationID == "" }

// Chat reconciles the local view of a user's conversations with the REST gateway and the realtime events.
type Chat struct {
	api    *API
	userID string
	logger core.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations []message.ConversationView
	selected      *Selection
	transcript    []Entry
	typingUntil   map[string]time.Time
	typingTimers  map[string]*time.Timer
	localSeq      int

	changes chan struct{}
}

func NewChat(api *API, userID string, logger core.Logger) *Chat {
	return &Chat{
		api:           api,
		userID:        userID,
		logger:        logger,
		now:           time.Now,
		conversations: []message.ConversationView{},
		typingUntil:   make(map[string]time.Time),
		typingTimers:  make(map[string]*time.Timer),
		changes:       make(chan struct{}, 1),
	}
}

// Changes receives a value whenever the state changed. Notifications are coalesced.
func (c *Chat) Changes() <-chan struct{} { return c.changes }

func (c *Chat) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Refresh reloads the conversation list.
func (c *Chat) Refresh(ctx context.Context) []message.ConversationView {
	convs := c.api.ListConversations(ctx)
	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()
	c.notify()
	return append([]message.ConversationView(nil), convs...)
}

func (c *Chat) Conversations() []message.ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.ConversationView(nil), c.conversations...)
}

func (c *Chat) Selected() (Selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return Selection{}, false
	}
	return *c.selected, true
}

func (c *Chat) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

func (c *Chat) IsTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.typingUntil[peerID]
	return ok && c.now().Before(until)
}

// Select opens the chat with peer: bound to their conversation if one exists, a placeholder otherwise.
func (c *Chat) Select(ctx context.Context, peer user.Profile) Selection {
	sel := Selection{Peer: peer}
	for _, cv := range c.Refresh(ctx) {
		if cv.Peer.ID == peer.ID {
			sel.ConversationID = cv.ID
			break
		}
	}
	c.open(ctx, sel)
	return sel
}

// SelectConversation opens a conversation of the last refreshed list.
func (c *Chat) SelectConversation(ctx context.Context, conversationID string) (Selection, bool) {
	c.mu.Lock()
	var sel *Selection
	for _, cv := range c.conversations {
		if cv.ID == conversationID {
			sel = &Selection{Peer: cv.Peer, ConversationID: cv.ID}
			break
		}
	}
	c.mu.Unlock()

	if sel == nil {
		return Selection{}, false
	}
	c.open(ctx, *sel)
	return *sel, true
}

func (c *Chat) open(ctx context.Context, sel Selection) {
	var msgs []message.Message
	if !sel.IsPlaceholder() {
		msgs = c.api.ListMessages(ctx, sel.ConversationID, 0)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{Message: m, State: StateSent})
	}

	c.mu.Lock()
	c.selected = &sel
	c.transcript = entries
	unseen := c.unseenLocked()
	c.mu.Unlock()
	c.notify()

	for _, id := range unseen {
		c.markSeen(ctx, id)
	}
}

// Resync catches up with what happened while the realtime subscription was down:
// it reloads the conversation list and the open transcript. Local messages not yet
// acknowledged by the server are kept at the tail.
func (c *Chat) Resync(ctx context.Context) {
	convs := c.Refresh(ctx)

	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return
	}
	if c.selected.IsPlaceholder() {
		for _, cv := range convs {
			if cv.Peer.ID == c.selected.Peer.ID {
				c.selected.ConversationID = cv.ID // the peer wrote first
				break
			}
		}
	}
	sel := *c.selected
	c.mu.Unlock()
	if sel.IsPlaceholder() {
		return
	}

	msgs := c.api.ListMessages(ctx, sel.ConversationID, 0)

	c.mu.Lock()
	if c.selected == nil || c.selected.ConversationID != sel.ConversationID {
		c.mu.Unlock()
		return // another chat was opened meanwhile
	}
	known := make(map[string]string, len(c.transcript)) // message id -> local id
	for _, e := range c.transcript {
		if e.State == StateSent {
			known[e.ID] = e.LocalID
		}
	}
	fetched := make(map[string]bool, len(msgs))
	entries := make([]Entry, 0, len(msgs)+len(c.transcript))
	for _, m := range msgs {
		fetched[m.ID] = true
		entries = append(entries, Entry{Message: m, LocalID: known[m.ID], State: StateSent})
	}
	var local []Entry
	for _, e := range c.transcript {
		switch {
		case e.State != StateSent:
			local = append(local, e)
		case !fetched[e.ID]: // older than the fetched page, or the fetch failed
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].SentAt.Before(entries[j].SentAt) })
	c.transcript = append(entries, local...)
	unseen := c.unseenLocked()
	c.mu.Unlock()
	c.notify()

	for _, id := range unseen {
		c.markSeen(ctx, id)
	}
}

func (c *Chat) unseenLocked() []string {
	var unseen []string
	for _, e := range c.transcript {
		if e.State == StateSent && e.ReceiverID == c.userID && e.SeenAt == nil {
			unseen = append(unseen, e.ID)
		}
	}
	return unseen
}

// Send appends body to the transcript at once, then sends it.
// On failure the entry is kept as failed, to be retried or discarded.
func (c *Chat) Send(ctx context.Context, body string, ct message.ContentType) (Entry, error) {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return Entry{}, ErrNoSelection
	}
	c.localSeq++
	e := Entry{
		Message: message.Message{
			ConversationID: c.selected.ConversationID,
			SenderID:       c.userID,
			ReceiverID:     c.selected.Peer.ID,
			Body:           body,
			ContentType:    ct,
			SentAt:         c.now().UTC(),
		},
		LocalID: "local-" + strconv.Itoa(c.localSeq),
		State:   StatePending,
	}
	c.transcript = append(c.transcript, e)
	c.mu.Unlock()
	c.notify()

	return c.deliver(ctx, e)
}

// Retry re-sends a failed entry.
func (c *Chat) Retry(ctx context.Context, localID string) (Entry, error) {
	c.mu.Lock()
	i := c.localIndexLocked(localID)
	if i < 0 || c.transcript[i].State != StateFailed {
		c.mu.Unlock()
		return Entry{}, ErrNotFailed
	}
	c.transcript[i].State = StatePending
	c.transcript[i].Err = nil
	e := c.transcript[i]
	c.mu.Unlock()
	c.notify()

	return c.deliver(ctx, e)
}

// Discard drops a failed entry from the transcript.
func (c *Chat) Discard(localID string) error {
	c.mu.Lock()
	i := c.localIndexLocked(localID)
	if i < 0 || c.transcript[i].State != StateFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Chat) deliver(ctx context.Context, e Entry) (Entry, error) {
	sent, err := c.api.Send(ctx, message.NewMessage{
		ReceiverID:  e.ReceiverID,
		Body:        e.Body,
		ContentType: string(e.ContentType),
	})

	c.mu.Lock()
	i := c.localIndexLocked(e.LocalID)
	if err != nil {
		e.State, e.Err = StateFailed, err
		if i >= 0 {
			c.transcript[i] = e
		}
		c.mu.Unlock()
		c.notify()
		return e, err
	}

	res := Entry{Message: sent.Message, LocalID: e.LocalID, State: StateSent}
	if i >= 0 {
		if c.indexLocked(sent.ID) >= 0 { // the realtime event came first
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
		} else {
			c.transcript[i] = res
		}
	}
	if c.selected != nil && c.selected.IsPlaceholder() && c.selected.Peer.ID == e.ReceiverID {
		c.selected.ConversationID = sent.Conversation.ID
	}
	c.mu.Unlock()

	c.Refresh(ctx)
	return res, nil
}

// HandleEvent applies a realtime event. It is meant to be the Session's Handler.
func (c *Chat) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Name {
	case realtime.EventMessage:
		var msg message.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.logger.Warn(fmt.Sprintf("client.Chat: decoding message event: %v", err))
			return
		}
		c.handleMessage(ctx, msg)

	case realtime.EventSeen:
		var receipt message.SeenReceipt
		if err := json.Unmarshal(ev.Data, &receipt); err != nil {
			c.logger.Warn(fmt.Sprintf("client.Chat: decoding seen event: %v", err))
			return
		}
		c.setSeen(receipt.MessageID, receipt.SeenAt)

	case realtime.EventTyping:
		var typing realtime.TypingOut
		if err := json.Unmarshal(ev.Data, &typing); err != nil || typing.From == "" {
			return
		}
		c.mu.Lock()
		c.typingUntil[typing.From] = c.now().Add(TypingTTL)
		// wake the UI up once the flag expires
		if timer, ok := c.typingTimers[typing.From]; ok {
			timer.Reset(TypingTTL)
		} else {
			c.typingTimers[typing.From] = time.AfterFunc(TypingTTL, c.notify)
		}
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Chat) handleMessage(ctx context.Context, msg message.Message) {
	involvesMe := msg.SenderID == c.userID || msg.ReceiverID == c.userID

	c.mu.Lock()
	sel := c.selected
	if sel != nil && sel.IsPlaceholder() && involvesMe && (msg.SenderID == sel.Peer.ID || msg.ReceiverID == sel.Peer.ID) {
		sel.ConversationID = msg.ConversationID // the first message of the pair
	}

	if sel != nil && msg.ConversationID == sel.ConversationID {
		if c.indexLocked(msg.ID) < 0 {
			c.transcript = append(c.transcript, Entry{Message: msg, State: StateSent})
		}
		delete(c.typingUntil, msg.SenderID)
		unseen := msg.ReceiverID == c.userID && msg.SeenAt == nil
		c.mu.Unlock()
		c.notify()

		if unseen {
			c.markSeen(ctx, msg.ID)
		}
		c.Refresh(ctx)
		return
	}
	c.mu.Unlock()

	convs := c.Refresh(ctx)
	if !involvesMe {
		return
	}
	for _, cv := range convs {
		if cv.ID != msg.ConversationID {
			continue
		}
		c.mu.Lock()
		idle := c.selected == nil
		c.mu.Unlock()
		if idle {
			c.SelectConversation(ctx, cv.ID)
		}
		return
	}
}

func (c *Chat) markSeen(ctx context.Context, messageID string) {
	msg, err := c.api.MarkSeen(ctx, messageID)
	if err != nil {
		if IsStatus(err, http.StatusForbidden) {
			return // not ours to mark: nothing left to do
		}
		c.logger.Error(fmt.Sprintf("client.Chat: marking %s as seen: %v", messageID, err), err)
		return
	}
	if msg.SeenAt != nil {
		c.setSeen(messageID, *msg.SeenAt)
	}
}

func (c *Chat) setSeen(messageID string, at time.Time) {
	c.mu.Lock()
	i := c.indexLocked(messageID)
	if i >= 0 {
		seenAt := at
		c.transcript[i].SeenAt = &seenAt
	}
	c.mu.Unlock()
	if i >= 0 {
		c.notify()
	}
}

func (c *Chat) indexLocked(messageID string) int {
	if messageID == "" {
		return -1
	}
	for i, e := range c.transcript {
		if e.ID == messageID {
			return i
		}
	}
	return -1
}

func (c *Chat) localIndexLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range c.transcript {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}
