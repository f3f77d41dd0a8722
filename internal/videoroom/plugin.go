// Package videoroom implements the video room capability behind the
// "janus.plugin.videoroom" name: room create/destroy, publisher and
// subscriber feeds, offer/answer negotiation state and trickle buffering.
package videoroom

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/core"
	"github.com/roomsig/roomsig/internal/protocol"
)

const PluginName = "janus.plugin.videoroom"

// codePublishersFull is plugin-local; the shared taxonomy has no slot for it.
const codePublishersFull = 432

type role int

const (
	roleNone role = iota
	roleControlling
	rolePublisher
	roleSubscriber
)

type feedState int

const (
	feedUnjoined feedState = iota
	feedJoined
	feedNegotiating
	feedActive
	feedClosed
)

type room struct {
	id            uint64
	maxPublishers int
	session       uint64 // owning session
	handle        uint64 // controlling handle which created the room

	order       []uint64          // publisher feed ids in join order
	publishers  map[uint64]uint64 // handle id -> feed id
	subscribers map[uint64]uint64 // handle id -> own subscriber feed id
}

type feed struct {
	id      uint64
	ref     core.HandleRef
	room    uint64
	role    role
	state   feedState
	target  uint64 // subscriber side: publisher feed id
	medias  []mediaInfo
	pending []webrtc.ICECandidateInit
}

type participant struct {
	ref  core.HandleRef
	role role
	room uint64
	feed uint64
}

// Plugin is the video room implementation of core.Plugin. All room/feed
// state is behind one mutex; message handling is already serialized per
// handle, the lock covers cross-handle room mutation.
type Plugin struct {
	ids    *core.IDSpace
	engine core.Engine
	events core.EventSink
	policy CodecPolicy

	maxPublishers int

	mu      sync.Mutex
	rooms   map[uint64]*room
	feeds   map[uint64]*feed
	members map[uint64]*participant // handle id -> state
}

func New(ids *core.IDSpace, engine core.Engine, events core.EventSink, policy CodecPolicy, maxPublishers int) *Plugin {
	if maxPublishers <= 0 {
		maxPublishers = 3
	}
	return &Plugin{
		ids:           ids,
		engine:        engine,
		events:        events,
		policy:        policy,
		maxPublishers: maxPublishers,
		rooms:         make(map[uint64]*room),
		feeds:         make(map[uint64]*feed),
		members:       make(map[uint64]*participant),
	}
}

func (p *Plugin) Name() string        { return PluginName }
func (p *Plugin) Description() string { return "roomsig videoroom" }

type messageBody struct {
	Request    string  `json:"request"`
	Room       uint64  `json:"room"`
	Ptype      *string `json:"ptype"`
	Feed       *uint64 `json:"feed"`
	Publishers int     `json:"publishers"`
	Audio      *bool   `json:"audio"`
	Video      *bool   `json:"video"`
}

func (p *Plugin) HandleMessage(ref core.HandleRef, body json.RawMessage, jsep *protocol.JSEP, ack func()) (*core.PluginReply, *protocol.Error) {
	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.request' key")
	}

	switch msg.Request {
	case "create":
		return p.create(ref, &msg)
	case "destroy":
		return p.destroy(ref, &msg)
	case "join":
		ack()
		return p.join(ref, &msg)
	case "configure":
		ack()
		return p.configure(ref, &msg, jsep)
	case "start":
		ack()
		return p.start(ref, &msg, jsep)
	case "":
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.request' key")
	default:
		return nil, protocol.NewError(protocol.CodeUnknownRequest, "Unknown videoroom request")
	}
}

func (p *Plugin) create(ref core.HandleRef, msg *messageBody) (*core.PluginReply, *protocol.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.members[ref.HandleID]; ok && m.role != roleNone {
		return nil, protocol.NewError(protocol.CodeAlreadyJoined, "User already exists in a room")
	}

	capacity := msg.Publishers
	if capacity <= 0 {
		capacity = p.maxPublishers
	}

	r := &room{
		id:            p.ids.Next(),
		maxPublishers: capacity,
		session:       ref.SessionID,
		handle:        ref.HandleID,
		publishers:    make(map[uint64]uint64),
		subscribers:   make(map[uint64]uint64),
	}
	p.rooms[r.id] = r
	p.members[ref.HandleID] = &participant{ref: ref, role: roleControlling, room: r.id}

	log.Info().Str("module", "videoroom").Uint64("room", r.id).Int("publishers", capacity).Msg("created room")

	return &core.PluginReply{Data: map[string]any{
		"videoroom": "created",
		"room":      r.id,
		"permanent": false,
	}}, nil
}

func (p *Plugin) destroy(ref core.HandleRef, msg *messageBody) (*core.PluginReply, *protocol.Error) {
	p.mu.Lock()

	r := p.roomForSession(msg.Room, ref.SessionID)
	if r == nil {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeNoSuchRoom, "No such room")
	}
	delete(p.rooms, r.id)

	var evicted []*feed
	for _, f := range p.feeds {
		if f.room != r.id {
			continue
		}
		evicted = append(evicted, f)
		f.state = feedClosed
		delete(p.feeds, f.id)
		if m, ok := p.members[f.ref.HandleID]; ok {
			m.role = roleNone
			m.room = 0
			m.feed = 0
		}
	}
	if m, ok := p.members[r.handle]; ok && m.role == roleControlling {
		m.role = roleNone
		m.room = 0
	}
	p.mu.Unlock()

	for _, f := range evicted {
		p.engine.CloseFeed(f.id)
		if f.ref.HandleID != ref.HandleID && p.events != nil {
			p.events.Emit(f.ref, PluginName, map[string]any{
				"videoroom": "destroyed",
				"room":      r.id,
			})
		}
	}

	log.Info().Str("module", "videoroom").Uint64("room", r.id).Int("evicted", len(evicted)).Msg("destroyed room")

	return &core.PluginReply{Data: map[string]any{
		"videoroom": "destroyed",
		"room":      r.id,
		"permanent": false,
	}}, nil
}

func (p *Plugin) join(ref core.HandleRef, msg *messageBody) (*core.PluginReply, *protocol.Error) {
	if msg.Ptype == nil {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.ptype' key")
	}
	var isPub bool
	switch *msg.Ptype {
	case "publisher":
		isPub = true
	case "subscriber", "listener":
		isPub = false
	default:
		return nil, protocol.NewError(protocol.CodeInvalidPtype, "Invalid 'ptype'")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.roomForSession(msg.Room, ref.SessionID)
	if r == nil {
		return nil, protocol.NewError(protocol.CodeNoSuchRoom, "No such room")
	}
	if r.handle == ref.HandleID {
		return nil, protocol.NewError(protocol.CodeAlreadyJoined, "User already exists in the room as a controller")
	}
	if _, ok := r.subscribers[ref.HandleID]; ok {
		return nil, protocol.NewError(protocol.CodeAlreadyJoined, "User already exists in the room as a subscriber")
	}
	if _, ok := r.publishers[ref.HandleID]; ok {
		return nil, protocol.NewError(protocol.CodeAlreadyJoined, "User already exists in the room as a publisher")
	}
	if m, ok := p.members[ref.HandleID]; ok && m.role != roleNone {
		return nil, protocol.NewError(protocol.CodeAlreadyJoined, "User already exists in the room")
	}

	if isPub {
		return p.joinPublisher(ref, r)
	}
	return p.joinSubscriber(ref, r, msg)
}

// joinPublisher runs with p.mu held.
func (p *Plugin) joinPublisher(ref core.HandleRef, r *room) (*core.PluginReply, *protocol.Error) {
	if len(r.publishers) >= r.maxPublishers {
		return nil, protocol.NewError(codePublishersFull, "Maximum number of publishers reached")
	}

	f := &feed{
		id:    p.ids.Next(),
		ref:   ref,
		room:  r.id,
		role:  rolePublisher,
		state: feedJoined,
	}
	p.feeds[f.id] = f
	r.publishers[ref.HandleID] = f.id
	r.order = append(r.order, f.id)
	p.members[ref.HandleID] = &participant{ref: ref, role: rolePublisher, room: r.id, feed: f.id}

	// List the other publishers that already completed negotiation, in
	// join order.
	others := make([]map[string]any, 0, len(r.order))
	for _, feedID := range r.order {
		if feedID == f.id {
			continue
		}
		if other, ok := p.feeds[feedID]; ok && other.state == feedActive {
			others = append(others, map[string]any{"id": feedID})
		}
	}

	log.Info().Str("module", "videoroom").Uint64("room", r.id).
		Uint64("handle", ref.HandleID).Uint64("feed", f.id).Msg("publisher joined")

	return &core.PluginReply{Data: map[string]any{
		"videoroom":  "joined",
		"room":       r.id,
		"id":         f.id,
		"publishers": others,
	}}, nil
}

// joinSubscriber runs with p.mu held.
func (p *Plugin) joinSubscriber(ref core.HandleRef, r *room, msg *messageBody) (*core.PluginReply, *protocol.Error) {
	if msg.Feed == nil || *msg.Feed == 0 {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.feed' key")
	}
	target, ok := p.feeds[*msg.Feed]
	if !ok || target.room != r.id || target.role != rolePublisher {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "No such feed exists")
	}
	if target.state != feedActive || len(target.medias) == 0 {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Feed not found")
	}

	f := &feed{
		id:     p.ids.Next(),
		ref:    ref,
		room:   r.id,
		role:   roleSubscriber,
		state:  feedJoined,
		target: target.id,
	}

	if err := p.engine.Subscribe(f.id, target.id); err != nil {
		return nil, protocol.NewError(protocol.CodeEngineFailure, "Subscribe error")
	}

	// Re-offer the publisher's negotiated media towards the subscriber.
	offer, err := buildDescription(f.id, target.medias, false)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeEngineFailure, "Error generating SDP")
	}

	f.medias = target.medias
	f.state = feedNegotiating
	p.feeds[f.id] = f
	r.subscribers[ref.HandleID] = f.id
	p.members[ref.HandleID] = &participant{ref: ref, role: roleSubscriber, room: r.id, feed: f.id}

	log.Info().Str("module", "videoroom").Uint64("room", r.id).
		Uint64("handle", ref.HandleID).Uint64("feed", f.id).Uint64("target", target.id).Msg("subscriber attached")

	return &core.PluginReply{
		Data: map[string]any{
			"videoroom": "attached",
			"room":      r.id,
			"id":        f.id,
		},
		JSEP: &protocol.JSEP{Type: "offer", SDP: offer},
	}, nil
}

func (p *Plugin) configure(ref core.HandleRef, msg *messageBody, jsep *protocol.JSEP) (*core.PluginReply, *protocol.Error) {
	if msg.Feed == nil {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.feed' key")
	}
	if msg.Room == 0 {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.room' key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.members[ref.HandleID]
	if !ok || m.role != rolePublisher || m.room != msg.Room {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Not a publisher")
	}
	if jsep == nil || jsep.SDP == "" {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "No SDP")
	}
	if jsep.Type != "offer" {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Not an offer")
	}

	f, ok := p.feeds[m.feed]
	if !ok {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "No such feed exists")
	}
	if p.roomForSession(msg.Room, ref.SessionID) == nil {
		return nil, protocol.NewError(protocol.CodeNoSuchRoom, "No such room")
	}

	// A failed parse must leave the feed's negotiation state untouched.
	_, medias, err := parseOffer(jsep.SDP, p.policy)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Failed to parse SDP")
	}

	f.state = feedNegotiating
	if err := p.engine.Publish(f.id, jsep.SDP); err != nil {
		f.state = feedJoined
		return nil, protocol.NewError(protocol.CodeEngineFailure, "Publish error")
	}

	answer, err := buildDescription(f.id, medias, true)
	if err != nil {
		f.state = feedJoined
		return nil, protocol.NewError(protocol.CodeEngineFailure, "Error generating SDP")
	}

	f.medias = medias
	f.state = feedActive

	data := map[string]any{
		"videoroom":  "event",
		"room":       msg.Room,
		"configured": "ok",
	}
	for _, mi := range medias {
		switch mi.Kind {
		case "audio":
			data["audio_codec"] = mi.Codec.Name
		case "video":
			data["video_codec"] = mi.Codec.Name
		}
	}

	log.Info().Str("module", "videoroom").Uint64("room", msg.Room).
		Uint64("feed", f.id).Msg("publisher configured")

	return &core.PluginReply{
		Data: data,
		JSEP: &protocol.JSEP{Type: "answer", SDP: answer},
	}, nil
}

func (p *Plugin) start(ref core.HandleRef, msg *messageBody, jsep *protocol.JSEP) (*core.PluginReply, *protocol.Error) {
	if msg.Feed == nil || *msg.Feed == 0 {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.feed' key")
	}
	if msg.Room == 0 {
		return nil, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'message.room' key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.members[ref.HandleID]
	if !ok || m.role != roleSubscriber || m.room != msg.Room {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Not a subscriber")
	}
	if jsep == nil || jsep.SDP == "" {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "No SDP")
	}
	if jsep.Type != "answer" {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Not an answer")
	}
	if p.roomForSession(msg.Room, ref.SessionID) == nil {
		return nil, protocol.NewError(protocol.CodeNoSuchRoom, "No such room")
	}
	f, ok := p.feeds[*msg.Feed]
	if !ok || f.ref.HandleID != ref.HandleID {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "No such feed exists")
	}

	if err := parseAnswer(jsep.SDP); err != nil {
		return nil, protocol.NewError(protocol.CodeSDPFailed, "Failed to parse SDP")
	}
	if err := p.engine.Start(f.id, jsep.SDP); err != nil {
		return nil, protocol.NewError(protocol.CodeEngineFailure, "Failed to process subscription answer")
	}

	f.state = feedActive

	log.Info().Str("module", "videoroom").Uint64("room", msg.Room).Uint64("feed", f.id).Msg("subscriber started")

	return &core.PluginReply{Data: map[string]any{
		"videoroom": "event",
		"room":      msg.Room,
		"started":   "ok",
	}}, nil
}

func (p *Plugin) HandleTrickle(ref core.HandleRef, cand webrtc.ICECandidateInit) *protocol.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.members[ref.HandleID]
	if !ok || m.room == 0 || m.feed == 0 {
		return protocol.NewError(protocol.CodeNoSuchRoom, "No such room")
	}
	f, ok := p.feeds[m.feed]
	if !ok || len(f.medias) == 0 {
		return protocol.NewError(protocol.CodeTrickleFailed, "No matching media")
	}

	matched := false
	for i, mi := range f.medias {
		if cand.SDPMid != nil && mi.MID != "" && *cand.SDPMid == mi.MID {
			matched = true
			break
		}
		if cand.SDPMLineIndex != nil && int(*cand.SDPMLineIndex) == i {
			matched = true
			break
		}
	}
	if !matched {
		return protocol.NewError(protocol.CodeTrickleFailed, "No matching media")
	}

	if !validCandidate(cand.Candidate) {
		return protocol.NewError(protocol.CodeTrickleFailed, "Failed to parse trickle candidate")
	}

	f.pending = append(f.pending, cand)
	if err := p.engine.Candidate(f.id, cand); err != nil {
		return protocol.NewError(protocol.CodeEngineFailure, "Failed to apply trickle candidate")
	}
	return nil
}

func (p *Plugin) HandleDetach(ref core.HandleRef) {
	p.mu.Lock()

	m, ok := p.members[ref.HandleID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.members, ref.HandleID)

	var closed *feed
	if r, ok := p.rooms[m.room]; ok {
		delete(r.publishers, ref.HandleID)
		delete(r.subscribers, ref.HandleID)
		if m.feed != 0 {
			if f, ok := p.feeds[m.feed]; ok {
				f.state = feedClosed
				closed = f
				delete(p.feeds, m.feed)
				for i, id := range r.order {
					if id == m.feed {
						r.order = append(r.order[:i], r.order[i+1:]...)
						break
					}
				}
			}
		}
	}
	p.mu.Unlock()

	if closed != nil {
		p.engine.CloseFeed(closed.id)
		log.Info().Str("module", "videoroom").Uint64("handle", ref.HandleID).Uint64("feed", closed.id).Msg("feed closed on detach")
	}
}

// roomForSession runs with p.mu held. Rooms are only visible to the session
// that created them, matching the controlling-session ownership model.
func (p *Plugin) roomForSession(roomID, sessionID uint64) *room {
	if roomID == 0 {
		return nil
	}
	r, ok := p.rooms[roomID]
	if !ok || r.session != sessionID {
		return nil
	}
	return r
}
