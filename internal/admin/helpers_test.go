package admin

import (
	"net"
	"testing"

	myconn "labmesh/internal/conn"
	"labmesh/internal/connmgr"
	"labmesh/internal/overlay"
	"labmesh/internal/reactor"
)

func netPipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

// registerFakeChild registers server as a Child connection named "C1",
// exercising the same RegisterConn path a real accepted socket would take.
// The reactor is never run: registration's monitor event fires synchronously
// from RegisterConn itself, and Connection.Start's initial-Service Post is a
// harmless unread entry in rt's queue (same pattern as connmgr's own
// routing_test.go attachConn helper).
func registerFakeChild(t *testing.T, mgr *connmgr.Manager, rt *reactor.Runtime, server net.Conn) {
	t.Helper()
	c := myconn.New("C1", overlay.Child, overlay.PeerDescriptor{UUID: "C1"}, "R1", server, rt, mgr, nil, nil, nil)
	mgr.RegisterConn("C1", overlay.Child, c)
}
