package ws

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/app"
)

// cliLoop serves the administrative line-command sub-protocol: one command
// per frame, one binary reply per command.
func (ctl *Controller) cliLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		line := strings.TrimSpace(string(data))
		log.Info().Str("module", "ws.cli").Str("command", line).Msg("cli command")
		if err := ws.WriteMessage(websocket.BinaryMessage, ctl.execute(line)); err != nil {
			return
		}
	}
}

func (ctl *Controller) execute(line string) []byte {
	switch line {
	case "ping":
		return []byte("pong\n")
	case "list numsessions":
		return numSessionsReport(ctl.Gw.Stats())
	case "list sessions":
		ids := ctl.Gw.Registry.SessionIDs()
		if len(ids) == 0 {
			return []byte("No sessions\n")
		}
		var b strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&b, "session %d\n", id)
		}
		return []byte(b.String())
	default:
		return []byte("Unknown command\n")
	}
}

// numSessionsReport is consumed by monitoring scripts; the layout is fixed,
// including the double space before "media" in the last line.
func numSessionsReport(s app.Stats) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Current sessions own: %d\n", s.SessionsOwn)
	fmt.Fprintf(&b, "Current sessions foreign: %d\n", s.SessionsForeign)
	fmt.Fprintf(&b, "Current sessions total: %d\n", s.Total())
	fmt.Fprintf(&b, "Current transcoded media: %d\n", s.Transcoded)
	fmt.Fprintf(&b, "Current sessions ipv4 only media: %d\n", s.IPv4Only)
	fmt.Fprintf(&b, "Current sessions ipv6 only media: %d\n", s.IPv6Only)
	fmt.Fprintf(&b, "Current sessions ip mixed  media: %d\n", s.IPMixed)
	return []byte(b.String())
}
