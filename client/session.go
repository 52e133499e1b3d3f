package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

const (
	minRedialDelay = time.Second
	maxRedialDelay = 30 * time.Second
	redialTimeout  = 10 * time.Second
)

var ErrNoToken = errors.New("no credential: call SetToken first")

// Session owns the realtime subscription of the current credential.
// The socket is released and re-acquired whenever the credential changes,
// and re-dialed in the background when the server drops it.
type Session struct {
	api         *API
	handler     Handler
	logger      core.Logger
	onReconnect func(ctx context.Context)
	redialDelay time.Duration

	mu      sync.Mutex
	socket  *Socket
	dialed  bool          // a socket was acquired before: the next one is a reconnection
	release chan struct{} // closed when the current socket is let go on purpose
}

func NewSession(api *API, handler Handler, logger core.Logger) *Session {
	return &Session{api: api, handler: handler, logger: logger, redialDelay: minRedialDelay}
}

// OnReconnect registers fn to run after every subscription but the first one.
// Events pushed while no socket was up are lost: fn is where the client catches up over REST,
// typically Chat.Resync.
func (s *Session) OnReconnect(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// Start subscribes with the API's current token. It is a no-op if already subscribed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	reconnected, err := s.start(ctx)
	s.mu.Unlock()
	return s.afterStart(ctx, reconnected, err)
}

func (s *Session) afterStart(ctx context.Context, reconnected bool, err error) error {
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onReconnect
	s.mu.Unlock()
	if reconnected && fn != nil {
		fn(ctx)
	}
	return nil
}

// start dials a socket unless a live one exists. reconnected is true when a new socket replaced an earlier one.
func (s *Session) start(ctx context.Context) (reconnected bool, err error) {
	if s.socket != nil {
		select {
		case <-s.socket.Done():
			s.socket = nil // dropped by the server: resubscribe
		default:
			return false, nil
		}
	}

	token := s.api.Token()
	if token == "" {
		return false, ErrNoToken
	}
	socketURL, err := s.api.SocketURL()
	if err != nil {
		return false, err
	}
	socket, err := Dial(ctx, socketURL, token, s.handler, s.logger)
	if err != nil {
		return false, err
	}

	reconnected = s.dialed
	s.dialed = true
	s.socket = socket
	s.release = make(chan struct{})
	go s.watch(socket, s.release)
	return reconnected, nil
}

// watch re-dials when socket ends without being released, backing off between failed attempts.
func (s *Session) watch(socket *Socket, release chan struct{}) {
	select {
	case <-release:
		return
	case <-socket.Done():
	}

	delay := s.redialDelay
	for {
		select {
		case <-release:
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.release != release { // released or replaced meanwhile
			s.mu.Unlock()
			return
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), redialTimeout)
		reconnected, err := s.start(dialCtx)
		cancel()
		s.mu.Unlock()

		if err == nil {
			_ = s.afterStart(context.Background(), reconnected, nil)
			return
		}
		if err == ErrNoToken || IsStatus(err, http.StatusUnauthorized) {
			s.logger.Warn(fmt.Sprintf("client.Session: giving up on the realtime subscription: %v", err))
			return
		}
		s.logger.Warn(fmt.Sprintf("client.Session: re-dialing in %s: %v", delay, err))
		if delay *= 2; delay > maxRedialDelay {
			delay = maxRedialDelay
		}
	}
}

func (s *Session) stop() {
	if s.release != nil {
		close(s.release)
		s.release = nil
	}
	if s.socket != nil {
		_ = s.socket.Close()
		s.socket = nil
	}
}

// SetToken switches the credential of both the REST client and the subscription.
// An empty token only releases the subscription.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.socket != nil && s.api.Token() == token {
		reconnected, err := s.start(ctx)
		s.mu.Unlock()
		return s.afterStart(ctx, reconnected, err)
	}
	s.stop()
	s.api.SetToken(token)
	if token == "" {
		s.mu.Unlock()
		return nil
	}
	reconnected, err := s.start(ctx)
	s.mu.Unlock()
	return s.afterStart(ctx, reconnected, err)
}

// Connected reports whether the subscription is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return false
	}
	select {
	case <-s.socket.Done():
		return false
	default:
		return true
	}
}

// Typing tells `to` that the user is typing. It is dropped silently when not subscribed.
func (s *Session) Typing(to string) error {
	s.mu.Lock()
	socket := s.socket
	s.mu.Unlock()
	if socket == nil {
		return nil
	}
	return socket.Typing(to)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	return nil
}
