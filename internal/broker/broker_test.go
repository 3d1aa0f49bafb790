package broker

import (
	"encoding/json"
	"testing"
	"time"
)

// fakeConn удовлетворяет wsConn; насосы в тестах не запускаются,
// поэтому все методы — заглушки.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { select {} }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) Close() error                      { return nil }
func (fakeConn) SetReadLimit(int64)                {}
func (fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (fakeConn) SetPongHandler(func(string) error) {}

func newTestClient(b *Broker) *client {
	return newClient(b, fakeConn{}, "test")
}

// next достаёт очередное исходящее сообщение клиента.
func next(t *testing.T, c *client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad outbound json: %v", err)
		}
		return m
	default:
		t.Fatal("no outbound message")
		return nil
	}
}

func drain(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func join(b *Broker, c *client, code, role string) {
	b.handleJoin(c, &JoinMessage{Type: TypeJoin, Code: code, ClientType: role})
}

func TestJoinEmptyRoom(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)

	join(b, app, "XYZ789", RoleApp)

	m := next(t, app)
	if m["type"] != TypeJoined {
		t.Fatalf("reply type %v", m["type"])
	}
	data := m["data"].(map[string]any)
	if data["displayConnected"] != false || data["appConnected"] != true {
		t.Fatalf("occupancy flags: %v", data)
	}

	// presence появился сразу
	st, ok := b.AppState("xyz789")
	if !ok || !st.AppConnected {
		t.Fatalf("presence: %+v ok=%v", st, ok)
	}
}

func TestPeerConnectedOnLaterJoin(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)
	display := newTestClient(b)

	join(b, app, "XYZ789", RoleApp)
	drain(app)

	join(b, display, "xyz789", RoleDisplay) // код нечувствителен к регистру

	m := next(t, display)
	data := m["data"].(map[string]any)
	if data["displayConnected"] != true || data["appConnected"] != true {
		t.Fatalf("occupancy flags: %v", data)
	}
	ev := next(t, app)
	if ev["type"] != TypePeerConnected || ev["clientType"] != RoleDisplay {
		t.Fatalf("peer event: %v", ev)
	}
}

// Второй display с тем же кодом вытесняет первого уведомлением, не закрытием.
func TestSecondDisplayNotifiesFirst(t *testing.T) {
	b := New(nil)
	first := newTestClient(b)
	second := newTestClient(b)

	join(b, first, "ABC234", RoleDisplay)
	drain(first)
	join(b, second, "ABC234", RoleDisplay)

	m := next(t, first)
	if m["type"] != TypeError {
		t.Fatalf("first got %v, want error", m["type"])
	}
	if first.closed.Load() {
		t.Fatal("displaced client was closed")
	}
	if b.rooms["ABC234"].display != second {
		t.Fatal("slot not taken by the new display")
	}
}

func TestRelayDirectionRules(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)
	display := newTestClient(b)
	join(b, display, "ABC234", RoleDisplay)
	join(b, app, "ABC234", RoleApp)
	drain(app)
	drain(display)

	// display не может слать команды
	in, err := decodeInbound([]byte(`{"type":"command","command":"reboot"}`))
	if err != nil {
		t.Fatal(err)
	}
	b.relay(display, TypeCommand, in)
	if m := next(t, display); m["type"] != TypeError {
		t.Fatalf("display command not rejected: %v", m)
	}

	// app не может слать command_response
	in, _ = decodeInbound([]byte(`{"type":"command_response","success":true}`))
	b.relay(app, TypeCommandResponse, in)
	if m := next(t, app); m["type"] != TypeError {
		t.Fatalf("app command_response not rejected: %v", m)
	}

	// корректное направление доходит до пира как есть
	raw := `{"type":"command","command":"reboot","requestId":"r1"}`
	in, _ = decodeInbound([]byte(raw))
	b.relay(app, TypeCommand, in)
	if m := next(t, display); m["command"] != "reboot" {
		t.Fatalf("relayed command: %v", m)
	}
}

func TestRelayWithoutPeer(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)
	join(b, app, "ABC234", RoleApp)
	drain(app)

	in, _ := decodeInbound([]byte(`{"type":"command","command":"reboot"}`))
	b.relay(app, TypeCommand, in)
	m := next(t, app)
	if m["type"] != TypeError || m["error"] != "peer not connected" {
		t.Fatalf("relay without peer: %v", m)
	}
}

func TestRelayRequiresRoom(t *testing.T) {
	b := New(nil)
	c := newTestClient(b)
	in, _ := decodeInbound([]byte(`{"type":"status","status":"online"}`))
	b.relay(c, TypeStatus, in)
	if m := next(t, c); m["error"] != "join a room first" {
		t.Fatalf("relay before join: %v", m)
	}
}

func TestAppStatusUpdatesPresence(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)
	display := newTestClient(b)
	join(b, display, "ABC234", RoleDisplay)
	join(b, app, "ABC234", RoleApp)
	drain(app)
	drain(display)

	in, _ := decodeInbound([]byte(`{"type":"status","status":"busy","display_name":"Ann","in_call":true}`))
	b.relay(app, TypeStatus, in)

	st, ok := b.AppState("ABC234")
	if !ok || st.Status != "busy" || st.DisplayName != "Ann" || !st.InCall {
		t.Fatalf("presence after status: %+v", st)
	}
	// и само сообщение дошло до display
	if m := next(t, display); m["status"] != "busy" {
		t.Fatalf("relayed status: %v", m)
	}
}

func TestLeaveNotifiesPeerAndClearsPresence(t *testing.T) {
	b := New(nil)
	app := newTestClient(b)
	display := newTestClient(b)
	b.clients[app] = struct{}{}
	b.clients[display] = struct{}{}
	join(b, display, "ABC234", RoleDisplay)
	join(b, app, "ABC234", RoleApp)
	drain(app)
	drain(display)

	b.handleLeave(app)

	if m := next(t, display); m["type"] != TypePeerDisconnected {
		t.Fatalf("peer event: %v", m)
	}
	if st, _ := b.AppState("ABC234"); st.AppConnected {
		t.Fatal("presence still shows app connected")
	}
	if !app.closed.Load() {
		t.Fatal("leaving client not shut down")
	}

	// комната живёт, пока в ней есть display
	if _, ok := b.rooms["ABC234"]; !ok {
		t.Fatal("room deleted while display still present")
	}
	b.handleLeave(display)
	if _, ok := b.rooms["ABC234"]; ok {
		t.Fatal("empty room not deleted")
	}
}

func TestJoinRejectsBadInput(t *testing.T) {
	b := New(nil)
	c := newTestClient(b)

	join(b, c, "SHORT", RoleApp)
	if m := next(t, c); m["error"] != "invalid pairing code" {
		t.Fatalf("bad code: %v", m)
	}
	join(b, c, "ABC234", "watcher")
	if m := next(t, c); m["type"] != TypeError {
		t.Fatalf("bad role: %v", m)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	b := New(nil)
	c := newTestClient(b)
	b.clients[c] = struct{}{}

	b.dispatch(c, []byte(`{not json`))
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected reply to malformed payload: %s", raw)
	default:
	}
	if c.closed.Load() {
		t.Fatal("connection closed on malformed payload")
	}
}
