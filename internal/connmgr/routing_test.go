package connmgr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"labmesh/internal/codec"
	myconn "labmesh/internal/conn"
	"labmesh/internal/overlay"
	"labmesh/internal/proto"
	"labmesh/internal/reactor"
	"labmesh/internal/service"
	"labmesh/internal/topology"
)

type fakeDirectory struct {
	groups map[string][]string
}

func (d *fakeDirectory) GetUser(uuid string) (overlay.PeerDescriptor, bool) {
	return overlay.PeerDescriptor{UUID: uuid}, true
}
func (d *fakeDirectory) ListJoinGroup(uuid string) ([]string, error) { return d.groups[uuid], nil }

func newManagerForTest(t *testing.T, uuid string, role overlay.Role, groups map[string][]string) *Manager {
	t.Helper()
	rt := reactor.New(64, nil)
	topo := &topology.Static{UUID: uuid, Role: role}
	return New(rt, topo, &fakeDirectory{groups: groups})
}

// attachConn registers a connection of kind with peer id peerUUID into m and
// returns the peer-side end of the pipe for assertions. The Connection's
// reactor is never run in these tests: routing only depends on
// Connection.Send, whose writeLoop goroutine runs independently of the
// reactor, and the never-drained initial-Service-Start Post is harmless.
func attachConn(t *testing.T, m *Manager, kind overlay.LinkKind, peerUUID string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	c := myconn.New(peerUUID, kind, overlay.PeerDescriptor{UUID: peerUUID}, m.topo.LocalUUID(), server, m.rt, m, nil, nil,
		func(stopped *myconn.Connection) { m.UnregisterConn(stopped.ID) })
	m.RegisterConn(peerUUID, kind, c)
	t.Cleanup(func() { client.Close() })
	return client
}

func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	lenBuf := make([]byte, codec.LengthPrefixSize)
	if _, err := io.ReadFull(c, lenBuf); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n := binary.LittleEndian.Uint16(lenBuf)
	body := make([]byte, n)
	if _, err := io.ReadFull(c, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func decodeEnvelope(t *testing.T, body []byte) proto.Envelope {
	t.Helper()
	var env proto.Envelope
	if err := codec.Decode(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func assertNoFrame(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	if err == nil {
		t.Fatalf("expected no frame, got data")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout (no frame), got %v", err)
	}
}

// Scenario 1 (§8): Single, self-addressed. No neighbors registered at all;
// expect dispatchFamily invoked exactly once with the inner envelope and no
// bytes written anywhere (trivially true since there is nothing to write to).
func TestRouteSingleSelfAddressedDeliversLocallyOnly(t *testing.T) {
	m := newManagerForTest(t, "R1", overlay.Router, nil)
	var calls int
	var got proto.Envelope
	m.RegisterAction("Chat", "Text", func(env proto.Envelope, c service.Conn) {
		calls++
		got = env
	})

	m.SendActionMsg(proto.Single, "Chat", "Text", proto.Payload{Source: "R1", Dest: "R1"})

	if calls != 1 {
		t.Fatalf("expected dispatchFamily invoked exactly once, got %d", calls)
	}
	if got.Family != "Chat" || got.Action != "Text" {
		t.Fatalf("unexpected delivered envelope: %+v", got)
	}
}

// Scenario 2 (§8): Router, Single forward to a known Child. Expect exactly
// one encoded frame sent to C2, wrapped as ConnManage/SendSingle with no
// routeCount (a direct child match needs no TTL bookkeeping).
func TestRouteSingleRouterForwardsToMatchingChild(t *testing.T) {
	m := newManagerForTest(t, "R1", overlay.Router, nil)
	c2 := attachConn(t, m, overlay.Child, "C2")

	m.SendActionMsg(proto.Single, "Chat", "Text", proto.Payload{Source: "R1", Dest: "C2"})

	env := decodeEnvelope(t, readFrame(t, c2))
	if env.Family != proto.FamilyConnManage || env.Action != proto.ActionSendSingle {
		t.Fatalf("expected ConnManage/SendSingle wrapper, got %+v", env)
	}
	if env.RouteCount != nil {
		t.Fatalf("expected no routeCount on a direct child match, got %v", *env.RouteCount)
	}
	var inner proto.Envelope
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		t.Fatalf("unmarshal inner envelope: %v", err)
	}
	if inner.Family != "Chat" || inner.Action != "Text" {
		t.Fatalf("unexpected inner envelope: %+v", inner)
	}
}

// Scenario 3 (§8): Router, Group with absent routeCount. Parents={P1,P2},
// only P1 is in group G; Children={C1}, C1 in G; Brothers={B1}. Expect
// frames to P1, C1, B1; P2 untouched. As routeGroup's doc comment explains,
// the tree forwards (P1, C1) carry the hop's own routeCount (1); the
// lateral Brother forward carries that value incremented (2), which is what
// lets the next Router's own check treat it as past its first hop.
func TestRouteGroupRouterForwardsToQualifyingParentsChildrenAndBrother(t *testing.T) {
	groups := map[string][]string{"P1": {"G"}, "C1": {"G"}}
	m := newManagerForTest(t, "R1", overlay.Router, groups)
	p1 := attachConn(t, m, overlay.Parent, "P1")
	p2 := attachConn(t, m, overlay.Parent, "P2")
	c1 := attachConn(t, m, overlay.Child, "C1")
	b1 := attachConn(t, m, overlay.Brother, "B1")

	m.SendActionMsg(proto.Group, "Chat", "Text", proto.Payload{Source: "R1", Dest: "G"})

	p1env := decodeEnvelope(t, readFrame(t, p1))
	if rc := p1env.RouteCount; rc == nil || *rc != 1 {
		t.Fatalf("expected P1 routeCount=1, got %v", rc)
	}
	c1env := decodeEnvelope(t, readFrame(t, c1))
	if rc := c1env.RouteCount; rc == nil || *rc != 1 {
		t.Fatalf("expected C1 routeCount=1, got %v", rc)
	}
	b1env := decodeEnvelope(t, readFrame(t, b1))
	if rc := b1env.RouteCount; rc == nil || *rc != 2 {
		t.Fatalf("expected B1 routeCount=2, got %v", rc)
	}
	assertNoFrame(t, p2)
}

// Scenario 3b: local delivery only happens when localUuid is itself a
// member of the target group.
func TestRouteGroupDeliversLocallyOnlyIfMember(t *testing.T) {
	m := newManagerForTest(t, "R1", overlay.Router, map[string][]string{"R1": {"G"}})
	var calls int
	m.RegisterAction("Chat", "Text", func(env proto.Envelope, c service.Conn) { calls++ })
	m.SendActionMsg(proto.Group, "Chat", "Text", proto.Payload{Source: "R1", Dest: "G"})
	if calls != 1 {
		t.Fatalf("expected local delivery since R1 is a member, got %d calls", calls)
	}

	m2 := newManagerForTest(t, "R1", overlay.Router, nil) // R1 not in any group
	var calls2 int
	m2.RegisterAction("Chat", "Text", func(env proto.Envelope, c service.Conn) { calls2++ })
	m2.SendActionMsg(proto.Group, "Chat", "Text", proto.Payload{Source: "R1", Dest: "G"})
	if calls2 != 0 {
		t.Fatalf("expected no local delivery since R1 is not a member, got %d calls", calls2)
	}
}

// Scenario 4 (§8): Broadcast TTL cap. MAX_ROUTE_COUNT=1. A Router receives a
// relayed broadcast with routeCount=2. Expect: local delivery; forwarding
// to all parents and all children; no Brother forward.
func TestRouteBroadcastDropsLateralForwardPastMaxRouteCount(t *testing.T) {
	m := newManagerForTest(t, "R1", overlay.Router, nil)
	p1 := attachConn(t, m, overlay.Parent, "P1")
	c1 := attachConn(t, m, overlay.Child, "C1")
	b1 := attachConn(t, m, overlay.Brother, "B1")

	var calls int
	m.RegisterAction("Chat", "Text", func(env proto.Envelope, c service.Conn) { calls++ })

	payload, err := json.Marshal(proto.Payload{Source: "origin"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	inner := proto.Envelope{Family: "Chat", Action: "Text", Data: payload}
	innerData, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	two := 2
	outer := proto.Envelope{Family: proto.FamilyConnManage, Action: proto.ActionSendBroadcast, Data: innerData, RouteCount: &two}

	if err := m.DispatchFamily(outer, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected local delivery once, got %d", calls)
	}
	if rc := decodeEnvelope(t, readFrame(t, p1)).RouteCount; rc == nil || *rc != 2 {
		t.Fatalf("expected P1 to receive routeCount=2, got %v", rc)
	}
	if rc := decodeEnvelope(t, readFrame(t, c1)).RouteCount; rc == nil || *rc != 2 {
		t.Fatalf("expected C1 to receive routeCount=2, got %v", rc)
	}
	assertNoFrame(t, b1)
}

// Random is single-hop only: Master forwards to an arbitrary Child, with no
// ConnManage wrapper (the recipient dispatches the envelope's own
// family/action directly rather than continuing a relay).
func TestRouteRandomMasterForwardsUnwrappedToOneChild(t *testing.T) {
	m := newManagerForTest(t, "M1", overlay.Master, nil)
	c1 := attachConn(t, m, overlay.Child, "C1")

	m.SendActionMsg(proto.Random, "Chat", "Text", proto.Payload{Source: "M1"})

	env := decodeEnvelope(t, readFrame(t, c1))
	if env.Family != "Chat" || env.Action != "Text" {
		t.Fatalf("expected the raw application envelope, got %+v", env)
	}
}

// Master's Single fallback (REDESIGN FLAG): drop rather than misdeliver
// when no child matches dest.
func TestRouteSingleMasterDropsWhenNoMatchingChild(t *testing.T) {
	m := newManagerForTest(t, "M1", overlay.Master, nil)
	c1 := attachConn(t, m, overlay.Child, "C1")

	m.SendActionMsg(proto.Single, "Chat", "Text", proto.Payload{Source: "M1", Dest: "nonexistent"})

	assertNoFrame(t, c1)
}
