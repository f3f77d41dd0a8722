package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roomsig/roomsig/internal/adapters/rtc"
	"github.com/roomsig/roomsig/internal/config"
	"github.com/roomsig/roomsig/internal/core"
	"github.com/roomsig/roomsig/internal/videoroom"
)

const testOffer = "v=0\r\n" +
	"o=x 123 123 IN IP4 1.1.1.1\r\n" +
	"s=foobar\r\n" +
	"c=IN IP4 1.1.1.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 6000 RTP/AVP 96 8 0\r\n" +
	"a=rtpmap:96 opus/48000\r\n" +
	"a=sendonly\r\n"

// fakeConn records every frame the gateway writes, in order.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() {}

// frame waits for the idx-th reply and decodes it. Message replies arrive
// via the per-handle queue goroutine, so waiting is required.
func (c *fakeConn) frame(t *testing.T, idx int) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.frames)
		var raw []byte
		if idx < n {
			raw = c.frames[idx]
		}
		c.mu.Unlock()
		if raw != nil {
			var out map[string]any
			if err := json.Unmarshal(raw, &out); err != nil {
				t.Fatalf("reply %d is not valid JSON: %v (%s)", idx, err, raw)
			}
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply %d after %d frames", idx, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTTL:    time.Minute,
		ReapInterval:  time.Second,
		MaxPublishers: 3,
	}
}

func newTestGateway(cfg *config.Config) *Gateway {
	ids := core.NewIDSpace()
	reg := NewRegistry(cfg, ids)
	gw := NewGateway(cfg, reg, "0.9.0")
	plugin := videoroom.New(ids, rtc.NewLocalEngine(), gw, videoroom.DefaultCodecPolicy(), cfg.MaxPublishers)
	reg.RegisterPlugin(plugin)
	return gw
}

func send(g *Gateway, c *fakeConn, frame string) {
	g.HandleFrame(c, []byte(frame))
}

func errCode(t *testing.T, reply map[string]any) int {
	t.Helper()
	if reply["janus"] != "error" {
		t.Fatalf("reply is not an error: %v", reply)
	}
	e, ok := reply["error"].(map[string]any)
	if !ok {
		t.Fatalf("error envelope missing error object: %v", reply)
	}
	return int(e["code"].(float64))
}

// Session ids fit into 53 bits exactly so round-tripping through float64
// is lossless.
func asID(t *testing.T, v any) uint64 {
	t.Helper()
	f, ok := v.(float64)
	if !ok || f <= 0 {
		t.Fatalf("not an id: %v", v)
	}
	return uint64(f)
}

func createSession(t *testing.T, g *Gateway, c *fakeConn) uint64 {
	t.Helper()
	before := c.count()
	send(g, c, `{"janus":"create","transaction":"t-create"}`)
	reply := c.frame(t, before)
	if reply["janus"] != "success" {
		t.Fatalf("create reply=%v", reply)
	}
	if _, ok := reply["session_id"]; ok {
		t.Fatalf("create must not echo session_id: %v", reply)
	}
	return asID(t, reply["data"].(map[string]any)["id"])
}

func attachHandle(t *testing.T, g *Gateway, c *fakeConn, session uint64) uint64 {
	t.Helper()
	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"attach","session_id":%d,"plugin":"janus.plugin.videoroom","transaction":"t-attach"}`, session))
	reply := c.frame(t, before)
	if reply["janus"] != "success" {
		t.Fatalf("attach reply=%v", reply)
	}
	if asID(t, reply["session_id"]) != session {
		t.Fatalf("attach session_id=%v, want %d", reply["session_id"], session)
	}
	return asID(t, reply["data"].(map[string]any)["id"])
}

func TestPing(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"ping","transaction":"t-ping"}`)

	reply := c.frame(t, 0)
	if reply["janus"] != "pong" {
		t.Fatalf("janus=%v, want pong", reply["janus"])
	}
	if reply["transaction"] != "t-ping" {
		t.Fatalf("transaction=%v, want t-ping", reply["transaction"])
	}
}

func TestMalformedFrames(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `invalid json`)
	if code := errCode(t, c.frame(t, 0)); code != 454 {
		t.Fatalf("garbage frame: code=%d, want 454", code)
	}

	send(g, c, `[1,2,3]`)
	if code := errCode(t, c.frame(t, 1)); code != 455 {
		t.Fatalf("array frame: code=%d, want 455", code)
	}
}

func TestMissingTransaction(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"ping"}`)

	reply := c.frame(t, 0)
	if code := errCode(t, reply); code != 456 {
		t.Fatalf("code=%d, want 456", code)
	}
	reason := reply["error"].(map[string]any)["reason"]
	if reason != "JSON object does not contain 'transaction' key" {
		t.Fatalf("reason=%v", reason)
	}
	if _, ok := reply["transaction"]; ok {
		t.Fatalf("no transaction to echo, but reply has one: %v", reply)
	}
}

func TestInfo(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"info","transaction":"t-info"}`)

	reply := c.frame(t, 0)
	if reply["janus"] != "server_info" {
		t.Fatalf("janus=%v, want server_info", reply["janus"])
	}
	if reply["name"] != "roomsig Janus interface" {
		t.Fatalf("name=%v", reply["name"])
	}
	if reply["version_string"] != "0.9.0" {
		t.Fatalf("version_string=%v", reply["version_string"])
	}
	plugins, ok := reply["plugins"].(map[string]any)
	if !ok {
		t.Fatalf("plugins missing: %v", reply)
	}
	if _, ok := plugins["janus.plugin.videoroom"]; !ok {
		t.Fatalf("videoroom not advertised: %v", plugins)
	}
}

func TestUnknownMethod(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"bablabla","transaction":"t-x"}`)

	reply := c.frame(t, 0)
	if code := errCode(t, reply); code != 457 {
		t.Fatalf("code=%d, want 457", code)
	}
	if reply["transaction"] != "t-x" {
		t.Fatalf("transaction=%v, want t-x", reply["transaction"])
	}
}

func TestKeepaliveAndDestroy(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"keepalive","session_id":999,"transaction":"t-ka"}`)
	if code := errCode(t, c.frame(t, 0)); code != 458 {
		t.Fatalf("bogus keepalive: code=%d, want 458", code)
	}

	session := createSession(t, g, c)

	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"keepalive","session_id":%d,"transaction":"t-ka2"}`, session))
	reply := c.frame(t, before)
	if reply["janus"] != "ack" {
		t.Fatalf("keepalive reply=%v", reply)
	}
	if asID(t, reply["session_id"]) != session {
		t.Fatalf("keepalive session_id=%v, want %d", reply["session_id"], session)
	}

	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"destroy","session_id":%d,"transaction":"t-d"}`, session))
	reply = c.frame(t, before)
	if reply["janus"] != "success" {
		t.Fatalf("destroy reply=%v", reply)
	}

	// The session is gone now.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"keepalive","session_id":%d,"transaction":"t-ka3"}`, session))
	if code := errCode(t, c.frame(t, before)); code != 458 {
		t.Fatalf("keepalive after destroy: code=%d, want 458", code)
	}
}

func TestCreate_RequestedID(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	send(g, c, `{"janus":"create","id":12345,"transaction":"t-c"}`)
	reply := c.frame(t, 0)
	if got := asID(t, reply["data"].(map[string]any)["id"]); got != 12345 {
		t.Fatalf("session id=%d, want 12345", got)
	}

	// The same id cannot be claimed twice.
	send(g, c, `{"janus":"create","id":12345,"transaction":"t-c2"}`)
	reply = c.frame(t, 1)
	if got := asID(t, reply["data"].(map[string]any)["id"]); got == 12345 {
		t.Fatal("duplicate requested id honoured")
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := testConfig()
	cfg.JanusSecret = "s3cret"
	g := newTestGateway(cfg)
	c := &fakeConn{}

	// No credentials at all.
	send(g, c, `{"janus":"create","transaction":"t-1"}`)
	reply := c.frame(t, 0)
	if code := errCode(t, reply); code != 403 {
		t.Fatalf("unauthorized create: code=%d, want 403", code)
	}
	if reply["error"].(map[string]any)["reason"] != "Unauthorized" {
		t.Fatalf("reason=%v", reply["error"])
	}

	// add_token needs the admin secret.
	send(g, c, `{"janus":"add_token","token":"tok","transaction":"t-2"}`)
	if code := errCode(t, c.frame(t, 1)); code != 403 {
		t.Fatalf("add_token without secret: code=%d, want 403", code)
	}
	send(g, c, `{"janus":"add_token","admin_secret":"s3cret","transaction":"t-3"}`)
	if code := errCode(t, c.frame(t, 2)); code != 456 {
		t.Fatalf("add_token without token: code=%d, want 456", code)
	}
	send(g, c, `{"janus":"add_token","admin_secret":"s3cret","token":"tok","transaction":"t-4"}`)
	reply = c.frame(t, 3)
	if reply["janus"] != "success" {
		t.Fatalf("add_token reply=%v", reply)
	}
	names, ok := reply["data"].(map[string]any)["plugins"].([]any)
	if !ok || len(names) != 1 || names[0] != "janus.plugin.videoroom" {
		t.Fatalf("add_token plugins=%v", reply["data"])
	}

	// The registered token now authorizes session creation.
	send(g, c, `{"janus":"create","token":"tok","transaction":"t-5"}`)
	reply = c.frame(t, 4)
	if reply["janus"] != "success" {
		t.Fatalf("create with token: %v", reply)
	}
}

func TestMessageErrors(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}
	session := createSession(t, g, c)

	// No handle at all.
	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"body":{},"transaction":"t-1"}`, session))
	reply := c.frame(t, before)
	if code := errCode(t, reply); code != 457 {
		t.Fatalf("no handle: code=%d, want 457", code)
	}
	if reply["error"].(map[string]any)["reason"] != "No plugin handle given" {
		t.Fatalf("reason=%v", reply["error"])
	}

	// Unknown handle.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":777,"body":{},"transaction":"t-2"}`, session))
	if code := errCode(t, c.frame(t, before)); code != 457 {
		t.Fatalf("bogus handle: code=%d, want 457", code)
	}

	handle := attachHandle(t, g, c, session)

	// Missing body. This error is the transport's, so no plugindata.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"transaction":"t-3"}`, session, handle))
	reply = c.frame(t, before)
	if code := errCode(t, reply); code != 456 {
		t.Fatalf("missing body: code=%d, want 456", code)
	}
	if _, ok := reply["plugindata"]; ok {
		t.Fatalf("transport error must not carry plugindata: %v", reply)
	}
}

func TestVideoroomEndToEnd(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	session := createSession(t, g, c)
	ctl := attachHandle(t, g, c, session)

	// Room create replies synchronously: one success frame, no ack.
	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"create","publishers":16},"transaction":"t-room"}`, session, ctl))
	reply := c.frame(t, before)
	if reply["janus"] != "success" {
		t.Fatalf("room create reply=%v", reply)
	}
	if asID(t, reply["sender"]) != ctl {
		t.Fatalf("sender=%v, want %d", reply["sender"], ctl)
	}
	pd := reply["plugindata"].(map[string]any)
	if pd["plugin"] != "janus.plugin.videoroom" {
		t.Fatalf("plugindata=%v", pd)
	}
	data := pd["data"].(map[string]any)
	if data["videoroom"] != "created" {
		t.Fatalf("plugindata.data=%v", data)
	}
	room := asID(t, data["room"])

	// Publisher join is two-phase: ack first, then the joined event.
	pub := attachHandle(t, g, c, session)
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"join","room":%d,"ptype":"publisher"},"transaction":"t-join"}`, session, pub, room))
	ack := c.frame(t, before)
	if ack["janus"] != "ack" || ack["transaction"] != "t-join" {
		t.Fatalf("join ack=%v", ack)
	}
	if asID(t, ack["session_id"]) != session {
		t.Fatalf("join ack session_id=%v", ack["session_id"])
	}
	event := c.frame(t, before+1)
	if event["janus"] != "event" || event["transaction"] != "t-join" {
		t.Fatalf("join event=%v", event)
	}
	joined := event["plugindata"].(map[string]any)["data"].(map[string]any)
	if joined["videoroom"] != "joined" {
		t.Fatalf("join data=%v", joined)
	}
	feed := asID(t, joined["id"])

	// Configure with a real offer: ack, then event with the negotiated
	// codec and an answer jsep.
	before = c.count()
	offer, _ := json.Marshal(testOffer)
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"configure","room":%d,"feed":%d,"audio":true},"jsep":{"type":"offer","sdp":%s},"transaction":"t-cfg"}`, session, pub, room, feed, offer))
	if ack := c.frame(t, before); ack["janus"] != "ack" {
		t.Fatalf("configure ack=%v", ack)
	}
	event = c.frame(t, before+1)
	if event["janus"] != "event" {
		t.Fatalf("configure event=%v", event)
	}
	cfgData := event["plugindata"].(map[string]any)["data"].(map[string]any)
	if cfgData["configured"] != "ok" || cfgData["audio_codec"] != "opus" {
		t.Fatalf("configure data=%v", cfgData)
	}
	jsep, ok := event["jsep"].(map[string]any)
	if !ok || jsep["type"] != "answer" || jsep["sdp"] == "" {
		t.Fatalf("configure jsep=%v", event["jsep"])
	}

	// Trickle: ack with session_id and no sender.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"trickle","session_id":%d,"handle_id":%d,"candidate":{"candidate":"candidate:3279615273 1 udp 2113937151 2.2.2.2 46951 typ host generation 0","sdpMLineIndex":0},"transaction":"t-ice"}`, session, pub))
	trickleAck := c.frame(t, before)
	if trickleAck["janus"] != "ack" || trickleAck["transaction"] != "t-ice" {
		t.Fatalf("trickle ack=%v", trickleAck)
	}
	if _, ok := trickleAck["sender"]; ok {
		t.Fatalf("trickle ack must not carry sender: %v", trickleAck)
	}

	// A second publisher now sees the first one listed.
	pub2 := attachHandle(t, g, c, session)
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"join","room":%d,"ptype":"publisher"},"transaction":"t-join2"}`, session, pub2, room))
	event = c.frame(t, before+1)
	listed := event["plugindata"].(map[string]any)["data"].(map[string]any)["publishers"].([]any)
	if len(listed) != 1 || asID(t, listed[0].(map[string]any)["id"]) != feed {
		t.Fatalf("publisher listing=%v, want [%d]", listed, feed)
	}

	// Subscriber on its own handle: attached event carrying an offer jsep
	// mirroring the publisher's negotiated media.
	sub := attachHandle(t, g, c, session)
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"join","room":%d,"ptype":"subscriber","feed":%d},"transaction":"t-sub"}`, session, sub, room, feed))
	if ack := c.frame(t, before); ack["janus"] != "ack" {
		t.Fatalf("subscribe ack=%v", ack)
	}
	event = c.frame(t, before+1)
	attached := event["plugindata"].(map[string]any)["data"].(map[string]any)
	if attached["videoroom"] != "attached" {
		t.Fatalf("subscribe data=%v", attached)
	}
	jsep, ok = event["jsep"].(map[string]any)
	if !ok || jsep["type"] != "offer" {
		t.Fatalf("subscribe jsep=%v", event["jsep"])
	}
	sdp, _ := jsep["sdp"].(string)
	if !strings.Contains(sdp, "opus/48000") {
		t.Fatalf("re-offer does not mirror the publisher's codec: %s", sdp)
	}
}

func TestMessage_BadSDP(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	session := createSession(t, g, c)
	ctl := attachHandle(t, g, c, session)

	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"create"},"transaction":"t-room"}`, session, ctl))
	room := asID(t, c.frame(t, before)["plugindata"].(map[string]any)["data"].(map[string]any)["room"])

	pub := attachHandle(t, g, c, session)
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"join","room":%d,"ptype":"publisher"},"transaction":"t-join"}`, session, pub, room))
	joined := c.frame(t, before+1)["plugindata"].(map[string]any)["data"].(map[string]any)
	feed := asID(t, joined["id"])

	// A broken offer still gets the ack, then an error event with empty
	// plugin data.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"message","session_id":%d,"handle_id":%d,"body":{"request":"configure","room":%d,"feed":%d,"audio":true},"jsep":{"type":"offer","sdp":"blah"},"transaction":"t-cfg"}`, session, pub, room, feed))
	if ack := c.frame(t, before); ack["janus"] != "ack" {
		t.Fatalf("ack=%v", ack)
	}
	reply := c.frame(t, before+1)
	if code := errCode(t, reply); code != 512 {
		t.Fatalf("code=%d, want 512", code)
	}
	e := reply["error"].(map[string]any)
	if e["reason"] != "Failed to parse SDP" {
		t.Fatalf("reason=%v", e["reason"])
	}
	if asID(t, reply["sender"]) != pub {
		t.Fatalf("sender=%v, want %d", reply["sender"], pub)
	}
	pd := reply["plugindata"].(map[string]any)
	data, ok := pd["data"].(map[string]any)
	if !ok || len(data) != 0 {
		t.Fatalf("plugindata.data=%v, want empty object", pd["data"])
	}
}

func TestDetachHandle(t *testing.T) {
	g := newTestGateway(testConfig())
	c := &fakeConn{}

	session := createSession(t, g, c)
	handle := attachHandle(t, g, c, session)

	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"detach","session_id":%d,"handle_id":%d,"transaction":"t-d"}`, session, handle))
	reply := c.frame(t, before)
	if reply["janus"] != "success" {
		t.Fatalf("detach reply=%v", reply)
	}

	// Detaching again is invalid.
	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"detach","session_id":%d,"handle_id":%d,"transaction":"t-d2"}`, session, handle))
	if code := errCode(t, c.frame(t, before)); code != 457 {
		t.Fatalf("double detach: code=%d, want 457", code)
	}
}

func TestReaper(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTTL = 30 * time.Second
	g := newTestGateway(cfg)
	c := &fakeConn{}

	clock := time.Now()
	g.Registry.now = func() time.Time { return clock }

	session := createSession(t, g, c)
	attachHandle(t, g, c, session)

	// Still inside the TTL: nothing happens.
	clock = clock.Add(20 * time.Second)
	g.Registry.reap()
	if g.Registry.SessionCount() != 1 {
		t.Fatal("session reaped before its TTL")
	}

	// A keepalive resets the clock.
	before := c.count()
	send(g, c, fmt.Sprintf(`{"janus":"keepalive","session_id":%d,"transaction":"t-ka"}`, session))
	c.frame(t, before)

	clock = clock.Add(20 * time.Second)
	g.Registry.reap()
	if g.Registry.SessionCount() != 1 {
		t.Fatal("keepalive did not refresh the session")
	}

	// Idle past the TTL: gone.
	clock = clock.Add(31 * time.Second)
	g.Registry.reap()
	if g.Registry.SessionCount() != 0 {
		t.Fatal("idle session survived the reaper")
	}

	before = c.count()
	send(g, c, fmt.Sprintf(`{"janus":"keepalive","session_id":%d,"transaction":"t-ka2"}`, session))
	if code := errCode(t, c.frame(t, before)); code != 458 {
		t.Fatalf("keepalive after reap: code=%d, want 458", code)
	}
}
