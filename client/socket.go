package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/services/realtime"
)

const writeWait = 10 * time.Second

// Handler receives the events pushed by the server, from the socket's read goroutine.
type Handler func(ev realtime.Event)

// Socket is a realtime subscription.
type Socket struct {
	ws     *websocket.Conn
	logger core.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a realtime subscription authenticated with token and starts delivering events to handler.
func Dial(ctx context.Context, socketURL, token string, handler Handler, logger core.Logger) (*Socket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Code: resp.StatusCode, Message: "websocket handshake failed"}
		}
		return nil, errors.Wrap(err, "dialing realtime socket")
	}

	s := &Socket{ws: ws, logger: logger, done: make(chan struct{})}
	go s.readLoop(handler)
	return s, nil
}

func (s *Socket) readLoop(handler Handler) {
	defer s.release()
	for {
		var ev realtime.Event
		if err := s.ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn(fmt.Sprintf("client.Socket: %v", err))
			}
			return
		}
		if ev.Name == "" {
			continue
		}
		handler(ev)
	}
}

func (s *Socket) send(ev realtime.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("socket closed")
	default:
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// Typing tells the peer `to` that the user is typing.
func (s *Socket) Typing(to string) error {
	ev, err := realtime.NewEvent(realtime.EventTyping, realtime.TypingIn{To: to})
	if err != nil {
		return err
	}
	return s.send(ev)
}

// Done is closed once the subscription has ended, whether closed locally or by the server.
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) release() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *Socket) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	s.writeMu.Unlock()
	s.release()
	return nil
}
