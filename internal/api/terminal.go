package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	terminalBuffer       = 256
	terminalWriteTimeout = 10 * time.Second
	wsPingInterval       = 20 * time.Second
	wsPingTimeout        = 5 * time.Second
)

var errDevServerStopped = errors.New("dev server not running")

// terminalMessage is the frame exchanged with terminal clients. The server
// sends output, exit and error frames; clients send input and resize.
type terminalMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// terminal fans process output out to websocket clients. A slow client
// loses frames rather than stalling the process.
type terminal struct {
	mu   sync.Mutex
	next int
	subs map[int]chan terminalMessage
}

func newTerminal() *terminal {
	return &terminal{subs: make(map[int]chan terminalMessage)}
}

func (t *terminal) subscribe() (int, <-chan terminalMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	ch := make(chan terminalMessage, terminalBuffer)
	t.subs[id] = ch
	return id, ch
}

func (t *terminal) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

func (t *terminal) publish(msg terminalMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (t *terminal) clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (s *Server) terminalSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("terminal websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startPing(ctx, conn)

	id, frames := s.term.subscribe()
	defer s.term.unsubscribe(id)

	go func() {
		defer cancel()
		for {
			var msg terminalMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if err := s.terminalInput(msg); err != nil {
				_ = writeFrame(ctx, conn, terminalMessage{Type: "error", Data: err.Error()})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-frames:
			if err := writeFrame(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) terminalInput(msg terminalMessage) error {
	dev := s.devServer()
	switch msg.Type {
	case "input":
		if dev == nil {
			return errDevServerStopped
		}
		return dev.Input(msg.Data)
	case "resize":
		if dev == nil {
			return errDevServerStopped
		}
		if msg.Cols <= 0 || msg.Rows <= 0 || msg.Cols > 0xffff || msg.Rows > 0xffff {
			return nil
		}
		return dev.Resize(uint16(msg.Cols), uint16(msg.Rows))
	}
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg terminalMessage) error {
	ctx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func startPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
