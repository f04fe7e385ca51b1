package authtest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	v1 "crowd/cmd/internal/contracts/feed/v1"
)

const (
	feedSendQueue    = 64
	feedWriteTimeout = 5 * time.Second
)

// feedClient is one connected feed socket.
//
// send is never closed by publishers; done signals shutdown instead.
type feedClient struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// fanout routes project events to connected feed clients.
type fanout struct {
	mu     sync.RWMutex
	topics map[int64]map[string]*feedClient
}

func newFanout() *fanout {
	return &fanout{topics: make(map[int64]map[string]*feedClient)}
}

func (f *fanout) join(project int64, c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.topics[project]
	if !ok {
		m = make(map[string]*feedClient)
		f.topics[project] = m
	}
	m[c.id] = c
}

func (f *fanout) leave(project int64, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.topics[project]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(f.topics, project)
	}
}

// broadcast never blocks: slow clients drop frames.
func (f *fanout) broadcast(project int64, frame []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.topics[project] {
		select {
		case <-c.done:
		case c.send <- frame:
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for project, m := range f.topics {
		for _, c := range m {
			c.close()
		}
		delete(f.topics, project)
	}
}

// Subscribers returns how many feed clients are connected to project.
func (s *Server) Subscribers(project int64) int {
	s.feed.mu.RLock()
	defer s.feed.mu.RUnlock()
	return len(s.feed.topics[project])
}

// DropFeeds disconnects every feed client, as a server restart would.
func (s *Server) DropFeeds() {
	s.feed.closeAll()
}

// Publish sends an arbitrary event to project subscribers.
func (s *Server) Publish(project int64, typ string, payload any) {
	s.publish(project, project, typ, payload)
}

// PublishAs sends project subscribers an event addressed to another project, as a misrouting
// server would.
func (s *Server) PublishAs(project, addressed int64, typ string, payload any) {
	s.publish(project, addressed, typ, payload)
}

// PublishRaw sends frame to project subscribers unchanged.
func (s *Server) PublishRaw(project int64, frame []byte) {
	s.feed.broadcast(project, frame)
}

func (s *Server) publish(project, addressed int64, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("authtest.feed.marshal", "err", err)
		return
	}
	frame, err := json.Marshal(newEnvelope(addressed, typ, raw))
	if err != nil {
		s.log.Error("authtest.feed.marshal", "err", err)
		return
	}
	s.feed.broadcast(project, frame)
}

func newEnvelope(project int64, typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:         v1.Version,
		Type:      typ,
		ID:        ulid.Make().String(),
		ProjectID: project,
		TS:        time.Now().UTC(),
		Payload:   payload,
	}
}

// handleFeed authenticates before the upgrade so a stale token yields a plain 401.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.count("feed")

	if _, ok := s.authenticate(r); !ok {
		writeUnauthorized(w)
		return
	}
	project, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		s.log.Error("authtest.feed.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	client := &feedClient{
		id:   ulid.Make().String(),
		send: make(chan []byte, feedSendQueue),
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: the client never sends after hello; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	// Join before the ack so events published after the client saw hello_ack are delivered.
	s.feed.join(project, client)
	defer s.feed.leave(project, client.id)

	ack, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.id, ProjectID: project})
	if err := writeEnvelope(ctx, conn, newEnvelope(project, v1.TypeHelloAck, ack)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			_ = conn.Close(websocket.StatusGoingAway, "server closing")
			return
		case frame := <-client.send:
			if err := writeFrame(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, feedWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(parent, feedWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}
