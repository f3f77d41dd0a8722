package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/config"
	"github.com/roomsig/roomsig/internal/core"
)

var ErrHandleQueueFull = errors.New("handle message queue full")

// handleQueueDepth bounds in-flight messages per handle. Processing is
// serialized anyway, the buffer only absorbs bursts.
const handleQueueDepth = 64

// Session is one client namespace: a set of handles plus the transports the
// client currently has attached. Sessions survive transport disconnects and
// die on explicit destroy or keepalive timeout.
type Session struct {
	ID uint64

	mu      sync.Mutex
	created time.Time
	lastAct time.Time
	handles map[uint64]*Handle
	conns   map[core.Sender]struct{}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAct = now
	s.mu.Unlock()
}

func (s *Session) attachTransport(c core.Sender) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) detachTransport(c core.Sender) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Send fans a frame out to every attached transport. Dead or slow
// transports just lose the frame; the session itself is unaffected.
func (s *Session) Send(data []byte) {
	s.mu.Lock()
	conns := make([]core.Sender, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.TrySend(data); err != nil {
			log.Debug().Err(err).Str("module", "app.registry").Uint64("session", s.ID).Msg("dropped frame for dead transport")
		}
	}
}

// Handle binds one plugin instance into a session and serializes its
// message processing through a FIFO queue, so the ack for a message is
// always observed before the event it precedes.
type Handle struct {
	ID        uint64
	SessionID uint64
	Plugin    core.Plugin

	mu     sync.Mutex
	closed bool
	queue  chan func()
}

func newHandle(id, sessionID uint64, plugin core.Plugin) *Handle {
	h := &Handle{
		ID:        id,
		SessionID: sessionID,
		Plugin:    plugin,
		queue:     make(chan func(), handleQueueDepth),
	}
	go func() {
		for fn := range h.queue {
			fn()
		}
	}()
	return h
}

func (h *Handle) Ref() core.HandleRef {
	return core.HandleRef{HandleID: h.ID, SessionID: h.SessionID}
}

// Enqueue schedules fn on the handle's FIFO queue. It never blocks.
func (h *Handle) Enqueue(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	select {
	case h.queue <- fn:
		return nil
	default:
		return ErrHandleQueueFull
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
}

// Registry owns sessions, handles, registered plugins and authorization
// tokens. One IDSpace spans all identifier namespaces.
type Registry struct {
	cfg *config.Config
	ids *core.IDSpace

	mu       sync.RWMutex
	sessions map[uint64]*Session
	handles  map[uint64]*Handle
	plugins  map[string]core.Plugin
	tokens   map[string]time.Time

	now func() time.Time
}

func NewRegistry(cfg *config.Config, ids *core.IDSpace) *Registry {
	return &Registry{
		cfg:      cfg,
		ids:      ids,
		sessions: make(map[uint64]*Session),
		handles:  make(map[uint64]*Handle),
		plugins:  make(map[string]core.Plugin),
		tokens:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *Registry) RegisterPlugin(p core.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
	log.Info().Str("module", "app.registry").Str("plugin", p.Name()).Msg("registered plugin")
}

func (r *Registry) Plugins() map[string]core.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]core.Plugin, len(r.plugins))
	for name, p := range r.plugins {
		out[name] = p
	}
	return out
}

// AddToken registers an authorization token.
func (r *Registry) AddToken(token string) {
	r.mu.Lock()
	r.tokens[token] = r.now()
	r.mu.Unlock()
}

// Authorized reports whether a request may create sessions or attach
// handles. With no janus secret configured all callers are trusted; with
// one, either the admin secret itself or a previously added token works.
func (r *Registry) Authorized(token, adminSecret string) bool {
	if r.cfg.JanusSecret == "" {
		return true
	}
	if adminSecret == r.cfg.JanusSecret {
		return true
	}
	r.mu.RLock()
	_, ok := r.tokens[token]
	r.mu.RUnlock()
	return ok
}

// AdminAuthorized reports whether the admin secret matches.
func (r *Registry) AdminAuthorized(adminSecret string) bool {
	return r.cfg.JanusSecret != "" && adminSecret == r.cfg.JanusSecret
}

// CreateSession allocates a session, honouring a caller-requested id when
// it is still free.
func (r *Registry) CreateSession(conn core.Sender, requestedID uint64) *Session {
	id := uint64(0)
	if requestedID != 0 && r.ids.Claim(requestedID) {
		id = requestedID
	} else {
		id = r.ids.Next()
	}

	now := r.now()
	s := &Session{
		ID:      id,
		created: now,
		lastAct: now,
		handles: make(map[uint64]*Handle),
		conns:   make(map[core.Sender]struct{}),
	}
	if conn != nil {
		s.conns[conn] = struct{}{}
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Uint64("session", id).Msg("created session")
	return s
}

// Session looks a session up and refreshes its activity timestamp, the way
// every authenticated request counts as a keepalive.
func (r *Registry) Session(id uint64) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.touch(r.now())
	return s, true
}

// Peek looks a session up without refreshing its TTL. Used for event
// delivery, which must not keep an abandoned session alive.
func (r *Registry) Peek(id uint64) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// DestroySession tears a session down, cascading detach over its handles.
func (r *Registry) DestroySession(id uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[uint64]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		delete(r.handles, h.ID)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
		h.Plugin.HandleDetach(h.Ref())
	}

	log.Info().Str("module", "app.registry").Uint64("session", id).Int("handles", len(handles)).Msg("destroyed session")
	return true
}

// Attach binds a new handle to the named plugin within a session.
func (r *Registry) Attach(s *Session, pluginName string) (*Handle, bool) {
	r.mu.Lock()
	plugin, ok := r.plugins[pluginName]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	h := newHandle(r.ids.Next(), s.ID, plugin)
	r.handles[h.ID] = h
	r.mu.Unlock()

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	log.Info().Str("module", "app.registry").Uint64("session", s.ID).Uint64("handle", h.ID).Str("plugin", pluginName).Msg("attached handle")
	return h, true
}

// Handle resolves a handle within the given session.
func (r *Registry) Handle(sessionID, handleID uint64) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[handleID]
	r.mu.RUnlock()
	if !ok || h.SessionID != sessionID {
		return nil, false
	}
	return h, true
}

// Detach unbinds a handle and discards its plugin state.
func (r *Registry) Detach(s *Session, handleID uint64) bool {
	r.mu.Lock()
	h, ok := r.handles[handleID]
	if !ok || h.SessionID != s.ID {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, handleID)
	r.mu.Unlock()

	s.mu.Lock()
	delete(s.handles, handleID)
	s.mu.Unlock()

	h.close()
	h.Plugin.HandleDetach(h.Ref())

	log.Info().Str("module", "app.registry").Uint64("session", s.ID).Uint64("handle", handleID).Msg("detached handle")
	return true
}

// DetachTransport drops a closed transport from every session it was
// attached to. The sessions themselves live on until their TTL expires.
func (r *Registry) DetachTransport(c core.Sender) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.detachTransport(c)
	}
}

// AttachTransport registers a transport with a session so unsolicited
// events reach it.
func (r *Registry) AttachTransport(s *Session, c core.Sender) {
	s.attachTransport(c)
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) SessionIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Run drives the keepalive reaper until ctx is done. Sessions idle past
// the TTL are destroyed exactly as an explicit destroy would.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	deadline := r.now().Add(-r.cfg.SessionTTL)

	r.mu.RLock()
	var expired []uint64
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := s.lastAct.Before(deadline)
		s.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		log.Info().Str("module", "app.registry").Uint64("session", id).Msg("session timed out")
		r.DestroySession(id)
	}
}
