package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
)

var ErrHubClosed = errors.New("realtime hub is closed")

// Hub keeps track of every websocket connection of every user on this instance.
// Events are published on the Bus and delivered by each instance's Hub to its local connections.
type Hub struct {
	bus      Bus
	logger   core.Logger
	upgrader websocket.Upgrader
	cancel   context.CancelFunc

	mu     sync.RWMutex
	conns  map[string]map[*Conn]struct{}
	closed bool
}

var _ message.Publisher = (*Hub)(nil)

func NewHub(bus Bus, conf *core.Config, logger core.Logger) (*Hub, error) {
	h := &Hub{
		bus:    bus,
		logger: logger,
		conns:  make(map[string]map[*Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(conf.Server.AllowedOrigins),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := bus.Subscribe(ctx, h.deliver); err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribing to realtime bus")
	}
	h.cancel = cancel
	return h, nil
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // not a browser
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Serve upgrades the request and pumps events to and from userID's new connection.
// It blocks until the connection is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection") // the upgrader already replied
	}

	c := newConn(h, userID, ws)
	if !h.register(c) {
		_ = ws.Close()
		return ErrHubClosed
	}
	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
}

func (h *Hub) connsOf(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.conns[userID]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports whether userID has a live connection on this instance.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// ConnCount returns the number of live connections of userID on this instance.
func (h *Hub) ConnCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// deliver enqueues the envelope's event on every local connection of its recipients.
func (h *Hub) deliver(env Envelope) {
	payload, err := encodeEvent(env.Event)
	if err != nil {
		h.logger.Error("realtime.Hub.deliver", err)
		return
	}

	seen := make(map[string]bool, len(env.To))
	for _, userID := range env.To {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		for _, c := range h.connsOf(userID) {
			c.enqueue(payload)
		}
	}
}

func (h *Hub) publish(ctx context.Context, name string, data interface{}, to ...string) {
	ev, err := NewEvent(name, data)
	if err != nil {
		h.logger.Error("realtime.Hub.publish", err)
		return
	}
	if err = h.bus.Publish(ctx, Envelope{To: to, Event: ev}); err != nil {
		h.logger.Error("realtime.Hub.publish: "+name, err)
	}
}

// PublishMessage pushes msg to every connection of its receiver and of its sender (the other tabs).
func (h *Hub) PublishMessage(ctx context.Context, msg message.Message) {
	h.publish(ctx, EventMessage, msg, msg.ReceiverID, msg.SenderID)
}

// PublishSeen pushes the receipt to every connection of the message's sender.
func (h *Hub) PublishSeen(ctx context.Context, senderID string, receipt message.SeenReceipt) {
	h.publish(ctx, EventSeen, receipt, senderID)
}

// relayTyping is ephemeral: it is never stored.
func (h *Hub) relayTyping(from string, in TypingIn) {
	to := core.CleanString(in.To)
	if to == "" || to == from {
		return
	}
	h.publish(context.Background(), EventTyping, TypingOut{From: from}, to)
}

// Close stops receiving from the bus and closes every connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []*Conn
	for _, set := range h.conns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		c.close()
	}
	return h.bus.Close()
}
