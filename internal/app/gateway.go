package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/config"
	"github.com/roomsig/roomsig/internal/core"
	"github.com/roomsig/roomsig/internal/protocol"
)

const serverName = "roomsig Janus interface"

// Gateway dispatches decoded signaling requests against the registry and
// the plugins bound to handles, and owns the reply envelope rules: every
// reply echoes the caller's transaction, carries session_id when one was
// resolved and sender for plugin-originated frames.
type Gateway struct {
	Registry *Registry
	Cfg      *config.Config
	Version  string
}

func NewGateway(cfg *config.Config, reg *Registry, version string) *Gateway {
	return &Gateway{Registry: reg, Cfg: cfg, Version: version}
}

func (g *Gateway) send(conn core.Sender, reply *protocol.Reply) {
	if err := conn.TrySend(reply.Marshal()); err != nil {
		log.Debug().Err(err).Str("module", "app.gateway").Msg("reply dropped, transport gone")
	}
}

// HandleFrame processes one inbound signaling frame and writes whatever
// replies it produces back to conn. Protocol failures answer the single
// request; they never terminate the connection.
func (g *Gateway) HandleFrame(conn core.Sender, data []byte) {
	req, perr := protocol.ParseRequest(data)
	if perr != nil {
		g.send(conn, (&protocol.Reply{}).WithError(perr))
		return
	}
	if req.Transaction == nil {
		// The one reply class with no transaction to echo.
		g.send(conn, (&protocol.Reply{}).WithError(protocol.ErrMissingTransaction))
		return
	}
	transaction := *req.Transaction

	switch req.Janus {
	case "ping":
		g.send(conn, &protocol.Reply{Janus: protocol.KindPong, Transaction: transaction})

	case "info":
		g.info(conn, req, transaction)

	case "add_token":
		g.addToken(conn, req, transaction)

	case "create":
		g.createSession(conn, req, transaction)

	case "keepalive":
		if _, ok := g.Registry.Session(req.SessionID); !ok {
			g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
			return
		}
		g.send(conn, &protocol.Reply{Janus: protocol.KindAck, Transaction: transaction, SessionID: req.SessionID})

	case "destroy":
		if !g.Registry.DestroySession(req.SessionID) {
			g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
			return
		}
		g.send(conn, &protocol.Reply{Janus: protocol.KindSuccess, Transaction: transaction, SessionID: req.SessionID})

	case "attach":
		g.attach(conn, req, transaction)

	case "detach":
		g.detach(conn, req, transaction)

	case "message":
		g.message(conn, req, transaction)

	case "trickle":
		g.trickle(conn, req, transaction)

	default:
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnhandledMethod, "Unhandled request method"))
	}
}

// sendError wraps err into an error envelope echoing the request context.
func (g *Gateway) sendError(conn core.Sender, req *protocol.Request, transaction string, err *protocol.Error) {
	reply := &protocol.Reply{Transaction: transaction, SessionID: req.SessionID}
	g.send(conn, reply.WithError(err))
}

func (g *Gateway) info(conn core.Sender, req *protocol.Request, transaction string) {
	plugins := make(map[string]any)
	for name, p := range g.Registry.Plugins() {
		plugins[name] = map[string]any{"name": p.Description()}
	}
	g.send(conn, &protocol.Reply{
		Janus:         protocol.KindServerInfo,
		Transaction:   transaction,
		SessionID:     req.SessionID,
		Name:          serverName,
		VersionString: g.Version,
		Plugins:       plugins,
	})
}

func (g *Gateway) addToken(conn core.Sender, req *protocol.Request, transaction string) {
	if !g.Registry.AdminAuthorized(req.AdminSecret) {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnauthorized,
			"Janus 'admin_secret' key not provided or incorrect"))
		return
	}
	if req.Token == "" {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey,
			"JSON object does not contain 'token' key"))
		return
	}
	g.Registry.AddToken(req.Token)

	names := make([]string, 0, 1)
	for name := range g.Registry.Plugins() {
		names = append(names, name)
	}
	g.send(conn, &protocol.Reply{
		Janus:       protocol.KindSuccess,
		Transaction: transaction,
		SessionID:   req.SessionID,
		Data:        map[string]any{"plugins": names},
	})
}

func (g *Gateway) createSession(conn core.Sender, req *protocol.Request, transaction string) {
	if !g.Registry.Authorized(req.Token, req.AdminSecret) {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnauthorized, "Unauthorized"))
		return
	}
	s := g.Registry.CreateSession(conn, req.ID)
	// The fresh id rides in data; no session_id echo on create.
	g.send(conn, &protocol.Reply{
		Janus:       protocol.KindSuccess,
		Transaction: transaction,
		Data:        map[string]any{"id": s.ID},
	})
}

func (g *Gateway) attach(conn core.Sender, req *protocol.Request, transaction string) {
	s, ok := g.Registry.Session(req.SessionID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
		return
	}
	if req.Plugin == "" {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey, "No plugin given"))
		return
	}
	if !g.Registry.Authorized(req.Token, req.AdminSecret) {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnauthorized, "Unauthorized"))
		return
	}
	g.Registry.AttachTransport(s, conn)
	h, ok := g.Registry.Attach(s, req.Plugin)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnsupportedPlugin, "Unsupported plugin"))
		return
	}
	g.send(conn, &protocol.Reply{
		Janus:       protocol.KindSuccess,
		Transaction: transaction,
		SessionID:   s.ID,
		Data:        map[string]any{"id": h.ID},
	})
}

func (g *Gateway) detach(conn core.Sender, req *protocol.Request, transaction string) {
	s, ok := g.Registry.Session(req.SessionID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
		return
	}
	if !g.Registry.Detach(s, req.HandleID) {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnhandledMethod, "No plugin handle given or invalid handle"))
		return
	}
	g.send(conn, &protocol.Reply{Janus: protocol.KindSuccess, Transaction: transaction, SessionID: s.ID})
}

func (g *Gateway) message(conn core.Sender, req *protocol.Request, transaction string) {
	s, ok := g.Registry.Session(req.SessionID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
		return
	}
	if req.HandleID == 0 {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnhandledMethod, "No plugin handle given"))
		return
	}
	h, ok := g.Registry.Handle(s.ID, req.HandleID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnhandledMethod, "No plugin handle given or invalid handle"))
		return
	}
	if req.Body == nil {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'body' key"))
		return
	}

	err := h.Enqueue(func() {
		g.dispatchMessage(conn, s, h, req, transaction)
	})
	if err != nil {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeEngineFailure, "Handle message queue full"))
	}
}

// dispatchMessage runs on the handle's FIFO queue. The ack callback flips
// the reply from a synchronous success to the two-phase ack/event pattern;
// it is handed to the plugin so the ack goes out before any slow work.
func (g *Gateway) dispatchMessage(conn core.Sender, s *Session, h *Handle, req *protocol.Request, transaction string) {
	var ackOnce sync.Once
	acked := false
	ack := func() {
		ackOnce.Do(func() {
			acked = true
			g.send(conn, &protocol.Reply{
				Janus:       protocol.KindAck,
				Transaction: transaction,
				SessionID:   s.ID,
			})
		})
	}

	reply, perr := h.Plugin.HandleMessage(h.Ref(), req.Body, req.JSEP, ack)

	pd := &protocol.PluginData{Plugin: h.Plugin.Name(), Data: map[string]any{}}
	out := &protocol.Reply{
		Transaction: transaction,
		SessionID:   s.ID,
		Sender:      h.ID,
		PluginData:  pd,
	}
	if perr != nil {
		g.send(conn, out.WithError(perr))
		return
	}
	if reply.Data != nil {
		pd.Data = reply.Data
	}
	out.JSEP = reply.JSEP
	if acked {
		out.Janus = protocol.KindEvent
	} else {
		out.Janus = protocol.KindSuccess
	}
	g.send(conn, out)
}

func (g *Gateway) trickle(conn core.Sender, req *protocol.Request, transaction string) {
	s, ok := g.Registry.Session(req.SessionID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeSessionNotFound, "Session ID not found"))
		return
	}
	h, ok := g.Registry.Handle(s.ID, req.HandleID)
	if !ok {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeUnhandledMethod, "Unhandled request method"))
		return
	}
	if req.Candidate == nil {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey, "JSON object does not contain 'candidate' key"))
		return
	}
	if req.Candidate.Candidate == "" {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey, "ICE candidate string missing"))
		return
	}
	if req.Candidate.SDPMid == nil && req.Candidate.SDPMLineIndex == nil {
		g.sendError(conn, req, transaction, protocol.NewError(protocol.CodeMissingKey, "Neither sdpMid nor sdpMLineIndex given"))
		return
	}

	// Trickle replies never carry a sender.
	if perr := h.Plugin.HandleTrickle(h.Ref(), *req.Candidate); perr != nil {
		g.sendError(conn, req, transaction, perr)
		return
	}
	g.send(conn, &protocol.Reply{Janus: protocol.KindAck, Transaction: transaction, SessionID: s.ID})
}

// Emit implements core.EventSink: unsolicited plugin events carry no
// transaction and go to every transport attached to the session.
func (g *Gateway) Emit(ref core.HandleRef, plugin string, data map[string]any) {
	s, ok := g.Registry.Peek(ref.SessionID)
	if !ok {
		return
	}
	reply := &protocol.Reply{
		Janus:      protocol.KindEvent,
		SessionID:  ref.SessionID,
		Sender:     ref.HandleID,
		PluginData: &protocol.PluginData{Plugin: plugin, Data: data},
	}
	s.Send(reply.Marshal())
}

// Stats feeds the administrative CLI counter report.
type Stats struct {
	SessionsOwn     int
	SessionsForeign int
	Transcoded      int
	IPv4Only        int
	IPv6Only        int
	IPMixed         int
}

func (s Stats) Total() int { return s.SessionsOwn + s.SessionsForeign }

func (g *Gateway) Stats() Stats {
	return Stats{SessionsOwn: g.Registry.SessionCount()}
}
