package core

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/roomsig/roomsig/internal/protocol"
)

// Sender is one outbound signaling transport. TrySend must never block;
// it fails when the peer is gone or too slow.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(data []byte) error
	Close()
}

// HandleRef identifies the handle a plugin call runs on behalf of.
type HandleRef struct {
	HandleID  uint64
	SessionID uint64
}

// PluginReply is the payload half of a plugin response. The dispatcher
// wraps it into the outer envelope with plugindata, session_id and sender.
type PluginReply struct {
	Data map[string]any
	JSEP *protocol.JSEP
}

// Plugin is the capability bound to a handle at attach time. Implementations
// register by name and are looked up when a client attaches.
//
// HandleMessage may call ack exactly once before doing slow work; doing so
// switches the reply from a synchronous "success" to the ack/event two-phase
// pattern. Calls for one handle are serialized by the dispatcher.
type Plugin interface {
	Name() string
	Description() string
	HandleMessage(ref HandleRef, body json.RawMessage, jsep *protocol.JSEP, ack func()) (*PluginReply, *protocol.Error)
	HandleTrickle(ref HandleRef, cand webrtc.ICECandidateInit) *protocol.Error
	HandleDetach(ref HandleRef)
}

// EventSink delivers unsolicited plugin events (no correlating transaction)
// to whatever transports are attached to the owning session.
type EventSink interface {
	Emit(ref HandleRef, plugin string, data map[string]any)
}

// Engine is the media-engine boundary. The signaling core validates payloads
// and drives negotiation state; the engine owns actual media transport.
// Engine failures surface as error envelopes, never as crashes.
type Engine interface {
	Publish(feed uint64, sdp string) error
	Subscribe(subscriber, publisher uint64) error
	Start(feed uint64, sdp string) error
	Candidate(feed uint64, cand webrtc.ICECandidateInit) error
	CloseFeed(feed uint64)
}
