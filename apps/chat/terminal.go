package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/trezcool/shule/client"
	"github.com/trezcool/shule/core/message"
)

type terminal struct {
	ctx     context.Context
	api     *client.API
	chat    *client.Chat
	session *client.Session
	out     io.Writer

	mu      sync.Mutex
	printed map[string]client.State // by entry key
	typing  bool
}

func newTerminal(ctx context.Context, api *client.API, chat *client.Chat, session *client.Session, out io.Writer) *terminal {
	return &terminal{
		ctx:     ctx,
		api:     api,
		chat:    chat,
		session: session,
		out:     out,
		printed: make(map[string]client.State),
	}
}

func (t *terminal) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) printHelp() {
	t.printf("Commands:\n")
	t.printf("  /peers                 list the people you can message\n")
	t.printf("  /convs                 list your conversations\n")
	t.printf("  /open N                open the chat with peer N of /peers\n")
	t.printf("  /go N                  open conversation N of /convs\n")
	t.printf("  /upload PATH           send a file\n")
	t.printf("  /retry ID, /discard ID handle a failed message\n")
	t.printf("  /status                show the realtime connection, re-dialing at once if it is down\n")
	t.printf("  /quit\n")
	t.printf("Anything else is sent to the open chat.\n")
}

// exec runs one input line and reports whether the user asked to quit.
func (t *terminal) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := t.chat.Send(t.ctx, line, message.ContentText); err != nil {
			t.printf("! %v\n", err)
		}
		return false
	}

	cmd, arg := line, ""
	if i := strings.IndexByte(line, ' '); i > 0 {
		cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	switch cmd {
	case "/quit", "/q":
		return true
	case "/peers":
		for i, p := range t.api.ListPeers(t.ctx) {
			t.printf("%2d. %s (@%s, %s)\n", i+1, p.Name, p.Username, p.Role)
		}
	case "/convs":
		for i, cv := range t.chat.Refresh(t.ctx) {
			t.printf("%2d. %s\n", i+1, cv.Peer.Name)
		}
	case "/open":
		peers := t.api.ListPeers(t.ctx)
		n, ok := index(arg, len(peers))
		if !ok {
			t.printf("! no such peer\n")
			return false
		}
		t.reset()
		sel := t.chat.Select(t.ctx, peers[n])
		if sel.IsPlaceholder() {
			t.printf("-- new chat with %s\n", sel.Peer.Name)
		}
	case "/go":
		convs := t.chat.Conversations()
		n, ok := index(arg, len(convs))
		if !ok {
			t.printf("! no such conversation\n")
			return false
		}
		t.reset()
		t.chat.SelectConversation(t.ctx, convs[n].ID)
	case "/status":
		if t.session.Connected() {
			t.printf("-- online\n")
			return false
		}
		t.printf("-- offline, reconnecting\n")
		if err := t.session.Start(t.ctx); err != nil {
			t.printf("! %v\n", err)
		}
	case "/upload":
		t.upload(arg)
	case "/retry":
		if _, err := t.chat.Retry(t.ctx, arg); err != nil {
			t.printf("! %v\n", err)
		}
	case "/discard":
		if err := t.chat.Discard(arg); err != nil {
			t.printf("! %v\n", err)
		}
	default:
		t.printHelp()
	}
	return false
}

func (t *terminal) upload(path string) {
	sel, ok := t.chat.Selected()
	if !ok {
		t.printf("! %v\n", client.ErrNoSelection)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()

	if _, err = t.api.Upload(t.ctx, sel.Peer.ID, f.Name(), f); err != nil {
		t.printf("! %v\n", err)
		return
	}
	t.chat.Select(t.ctx, sel.Peer)
}

func index(arg string, n int) (int, bool) {
	i, err := strconv.Atoi(arg)
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i - 1, true
}

func (t *terminal) reset() {
	t.mu.Lock()
	t.printed = make(map[string]client.State)
	t.mu.Unlock()
}

// render prints the transcript entries that are new or changed state.
func (t *terminal) render() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.chat.Changes():
			t.renderOnce()
		}
	}
}

func (t *terminal) renderOnce() {
	sel, ok := t.chat.Selected()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.chat.Transcript() {
		key := e.LocalID
		if key == "" {
			key = e.ID
		}
		state := e.State
		if e.SeenAt != nil {
			state = "seen"
		}
		if prev, ok := t.printed[key]; ok && prev == state {
			continue
		}
		t.printed[key] = state
		t.printf("%s\n", formatEntry(e, sel))
	}

	typing := t.chat.IsTyping(sel.Peer.ID)
	if typing && !t.typing {
		t.printf("-- %s is typing...\n", sel.Peer.Name)
	}
	t.typing = typing
}

func formatEntry(e client.Entry, sel client.Selection) string {
	from := "you"
	if e.SenderID == sel.Peer.ID {
		from = sel.Peer.Name
	}
	body := e.Body
	if e.ContentType != message.ContentText && e.ContentType != "" {
		body = "[" + string(e.ContentType) + "] " + body
	}

	var status string
	switch {
	case e.State == client.StateFailed:
		status = fmt.Sprintf(" (failed: %v, /retry or /discard %s)", e.Err, e.LocalID)
	case e.State == client.StatePending:
		status = " (sending...)"
	case e.SeenAt != nil && from == "you":
		status = " (seen)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", e.SentAt.Local().Format("15:04"), from, body, status)
}
