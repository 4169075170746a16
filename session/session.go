// Package session implements the per-connection state machine from
// spec.md §4.3: filter → establish → authenticate → spawn → pump → close.
// It is the 30%-of-budget core: one Session bridges exactly one browser
// WebSocket to at most one child process for its entire lifetime.
package session

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chris/webtty/config"
	"github.com/chris/webtty/pty"
	"github.com/chris/webtty/queue"
	"github.com/chris/webtty/registry"
	"github.com/chris/webtty/wsproto"
)

// maxMessageBytes bounds the assembly buffer gorilla/websocket reassembles
// a fragmented message into, addressing the Design Notes' "the source
// does not bound; an implementer SHOULD" warning via
// websocket.Conn.SetReadLimit.
const maxMessageBytes = 4 << 20 // 4 MiB

// Deps are the process-wide collaborators every Session needs.
type Deps struct {
	Cfg *config.Config
	Reg *registry.Registry
	// OnOnceExhausted is invoked when Config.Once is set and the last
	// live session has just closed — the hook main uses to trigger
	// orderly shutdown and exit(0) per §4.3's Close section.
	OnOnceExhausted func()
}

// Session bridges one browser WebSocket to one child process.
type Session struct {
	id      string
	seqNo   int
	conn    *websocket.Conn
	deps    Deps
	address string
	hostname string

	queue *queue.Queue

	mu            sync.Mutex
	initialized   bool
	authenticated bool
	running       bool
	cols, rows    uint16
	ptySess       *pty.Session

	sendMu sync.Mutex

	closeOnce sync.Once
	closedCh  chan struct{}
}

var seqCounter struct {
	mu  sync.Mutex
	cur int
}

func nextSeq() int {
	seqCounter.mu.Lock()
	defer seqCounter.mu.Unlock()
	seqCounter.cur++
	return seqCounter.cur
}

// New constructs a Session for an already-upgraded WebSocket connection
// and immediately registers it (the ESTABLISHED callback from §4.3).
func New(conn *websocket.Conn, r *http.Request, deps Deps) *Session {
	conn.SetReadLimit(maxMessageBytes)

	host, _ := os.Hostname()
	s := &Session{
		id:            uuid.NewString(),
		seqNo:         nextSeq(),
		conn:          conn,
		deps:          deps,
		address:       r.RemoteAddr,
		hostname:      host,
		queue:         queue.New(),
		authenticated: deps.Cfg.CredentialToken() == "",
		closedCh:      make(chan struct{}),
	}

	deps.Reg.Register(s)
	log.Printf("[WS] established S%d (%s) from %s, clients: %d", s.seqNo, s.id, s.address, deps.Reg.Count())
	return s
}

// registry.Entry implementation.

// ID returns the session's unique identity.
func (s *Session) ID() string { return s.id }

// QueueNonEmpty reports whether the output queue has frames pending.
func (s *Session) QueueNonEmpty() bool { return !s.queue.Empty() }

// RequestWritable wakes the writer goroutine without enqueuing data —
// the Go analog of lws_callback_on_writable, called by the scheduler.
func (s *Session) RequestWritable() { s.queue.Wake() }

// Terminate forcibly closes the session as part of registry-wide
// shutdown (§4.6): it funnels into the same cleanup path a normal
// close/EOF would, guarded by closeOnce so it is safe no matter which
// goroutine gets there first.
func (s *Session) Terminate() {
	s.finish(websocket.CloseGoingAway, "server shutting down")
}

// Run drives the session to completion: it starts the writer and reader
// pumps and blocks until both have exited. Callers (the HTTP handler)
// should call Run in the request goroutine so the connection's
// underlying net.Conn stays open for its duration.
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writerLoop() }()
	go func() { defer wg.Done(); s.readerLoop() }()
	wg.Wait()
}

// --- writer pump (component 3 "writable" + component 5 notifications) ---

func (s *Session) writerLoop() {
	if err := s.sendBanner(); err != nil {
		log.Printf("[WS] S%d: initial message failed: %v", s.seqNo, err)
		s.finish(websocket.CloseInternalServerErr, "")
		return
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	for {
		select {
		case <-s.closedCh:
			return
		case <-s.queue.Notify():
		}

		for {
			frame, ok := s.queue.Peek()
			if !ok {
				break
			}
			if frame.IsSentinel() {
				s.queue.Pop()
				code := websocket.CloseNormalClosure
				if frame.Len < 0 {
					code = websocket.CloseInternalServerErr
				}
				s.finish(code, "")
				return
			}
			if err := s.sendOutput(frame); err != nil {
				log.Printf("[WS] S%d: write output: %v", s.seqNo, err)
				s.finish(websocket.CloseInternalServerErr, "")
				return
			}
			s.queue.Pop()
		}
	}
}

func (s *Session) sendBanner() error {
	title := fmt.Sprintf("%s (%s)", s.deps.Cfg.Argv[0], s.hostname)
	if err := s.sendRaw(websocket.TextMessage, wsproto.EncodeWindowTitle(title)); err != nil {
		return err
	}
	if err := s.sendRaw(websocket.TextMessage, wsproto.EncodeReconnect(s.deps.Cfg.Reconnect)); err != nil {
		return err
	}
	if err := s.sendRaw(websocket.TextMessage, wsproto.EncodePreferences(s.deps.Cfg.ClientOptsJSON)); err != nil {
		return err
	}
	return nil
}

func (s *Session) sendOutput(frame queue.Frame) error {
	return s.sendRaw(websocket.TextMessage, wsproto.EncodeOutput(frame.Data))
}

func (s *Session) sendRaw(messageType int, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteMessage(messageType, payload)
}

// --- reader pump (component 3 "receive") ---

func (s *Session) readerLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] S%d: read loop ending: %v", s.seqNo, err)
			s.finish(websocket.CloseNormalClosure, "")
			return
		}
		if len(data) == 0 {
			continue
		}
		if fatal := s.handle(data); fatal {
			return
		}
	}
}

// handle dispatches one fully-assembled message (gorilla/websocket has
// already reassembled any fragments by the time ReadMessage returns it;
// SetReadLimit above bounds how large that assembly can grow). It
// returns true when the session must stop reading further messages.
func (s *Session) handle(data []byte) bool {
	cmd := data[0]
	body := data[1:]

	s.mu.Lock()
	authRequired := s.deps.Cfg.CredentialToken() != "" && !s.authenticated
	s.mu.Unlock()

	if authRequired && cmd != wsproto.JSONData {
		log.Printf("[WS] S%d: command %q before authentication, rejecting", s.seqNo, cmd)
		s.finish(websocket.ClosePolicyViolation, "")
		return true
	}

	switch cmd {
	case wsproto.Input:
		return s.handleInput(body)
	case wsproto.Ping:
		return s.handlePing()
	case wsproto.ResizeTerminal:
		s.handleResize(body)
		return false
	case wsproto.JSONData:
		return s.handleAuth(data)
	default:
		log.Printf("[WS] S%d: unknown command byte %q", s.seqNo, cmd)
		s.finish(websocket.CloseUnsupportedData, "")
		return true
	}
}

func (s *Session) handleInput(body []byte) bool {
	s.mu.Lock()
	ptySess := s.ptySess
	readonly := s.deps.Cfg.Readonly
	s.mu.Unlock()

	if readonly || ptySess == nil {
		return false
	}
	if err := ptySess.Write(body); err != nil {
		log.Printf("[WS] S%d: write INPUT to pty: %v", s.seqNo, err)
		s.finish(websocket.CloseInternalServerErr, "")
		return true
	}
	return false
}

func (s *Session) handlePing() bool {
	if err := s.sendRaw(websocket.TextMessage, wsproto.EncodePong()); err != nil {
		log.Printf("[WS] S%d: send PONG: %v", s.seqNo, err)
		s.finish(websocket.CloseInternalServerErr, "")
		return true
	}
	return false
}

func (s *Session) handleResize(body []byte) {
	ws, err := wsproto.ParseResize(body)
	if err != nil {
		log.Printf("[WS] S%d: parse resize: %v", s.seqNo, err)
		return
	}
	cols, rows := uint16(ws.Columns), uint16(ws.Rows)

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	ptySess := s.ptySess
	s.mu.Unlock()

	if ptySess != nil {
		ptySess.Resize(cols, rows)
	}
}

func (s *Session) handleAuth(data []byte) bool {
	s.mu.Lock()
	alreadySpawned := s.ptySess != nil
	s.mu.Unlock()
	if alreadySpawned {
		return false
	}

	token := s.deps.Cfg.CredentialToken()
	if token != "" {
		auth, err := wsproto.ParseAuth(data)
		if err != nil || auth.AuthToken == "" || auth.AuthToken != token {
			log.Printf("[WS] S%d: authentication failed", s.seqNo)
			s.finish(websocket.ClosePolicyViolation, "")
			return true
		}
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	s.spawn()
	return false
}

// --- PTY spawn + reader goroutine (component 1, driven from component 3) ---

func (s *Session) spawn() {
	s.mu.Lock()
	initSize := pty.WindowSize{Cols: s.cols, Rows: s.rows}
	s.mu.Unlock()

	sess, err := pty.Spawn(pty.SpawnOptions{
		Argv:        s.deps.Cfg.Argv,
		InitialSize: initSize,
		UID:         s.deps.Cfg.UID,
		GID:         s.deps.Cfg.GID,
	})
	if err != nil {
		log.Printf("[WS] S%d: spawn failed: %v", s.seqNo, err)
		s.queue.Push(queue.ReadError())
		return
	}

	s.mu.Lock()
	s.ptySess = sess
	s.running = true
	s.mu.Unlock()

	go s.ptyReaderLoop(sess)
}

func (s *Session) ptyReaderLoop(p *pty.Session) {
	for {
		data, n, err := p.ReadChunk()
		if n > 0 {
			buf := make([]byte, n)
			copy(buf, data)
			s.queue.Push(queue.Frame{Data: buf, Len: n})
		}
		if err != nil {
			if err == io.EOF {
				s.queue.Push(queue.EOF())
			} else {
				log.Printf("[WS] S%d: pty read error: %v", s.seqNo, err)
				s.queue.Push(queue.ReadError())
			}
			return
		}
	}
}

// --- teardown (component 3 "close" + component 6 signal delivery) ---

func (s *Session) finish(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		ptySess := s.ptySess
		s.mu.Unlock()

		s.sendMu.Lock()
		closeMsg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		s.sendMu.Unlock()
		s.conn.Close()

		if ptySess != nil {
			ptySess.Terminate(syscall.Signal(s.deps.Cfg.SigCode), s.deps.Cfg.SigName)
		}

		s.deps.Reg.Remove(s.id)
		close(s.closedCh)

		count := s.deps.Reg.Count()
		log.Printf("[WS] S%d closed from %s, clients: %d", s.seqNo, s.address, count)

		if s.deps.Cfg.Once && count == 0 && s.deps.OnOnceExhausted != nil {
			log.Printf("exiting due to --once")
			s.deps.OnOnceExhausted()
		}
	})
}

// --- origin check (Filter, called before a Session exists) ---

// CheckOrigin implements the check_host_origin comparison from
// protocol.c: the Origin header's host:port must equal the Host header's,
// case-insensitively.
func CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	origin = strings.TrimPrefix(origin, "http://")
	origin = strings.TrimPrefix(origin, "https://")
	if slash := strings.Index(origin, "/"); slash >= 0 {
		origin = origin[:slash]
	}
	return strings.EqualFold(origin, r.Host)
}
