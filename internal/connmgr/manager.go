// Package connmgr implements the ConnectionManager (§4.2): the registry of
// connections partitioned by LinkKind, the family/action dispatch table,
// and the role-dependent routing algorithm (routing.go). Manager implements
// service.Dispatcher, so every Connection's active Service can reach it
// through the narrow interface service defines, with no import cycle back
// the other way.
package connmgr

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync/atomic"

	"golang.org/x/time/rate"

	myconn "labmesh/internal/conn"
	"labmesh/internal/directory"
	"labmesh/internal/overlay"
	"labmesh/internal/proto"
	"labmesh/internal/reactor"
	"labmesh/internal/service"
	"labmesh/internal/topology"
)

// Handler processes one decoded (family, action) envelope.
type Handler func(env proto.Envelope, c service.Conn)

// Manager is the registry and router. Every method is documented as
// reactor-goroutine-only except Snapshot, which is for any goroutine other
// than the reactor's own (it posts a closure and waits for the result,
// rather than taking a lock on reactor-owned state — §5's shared-resource
// policy — so called on the reactor goroutine it never returns).
type Manager struct {
	rt   *reactor.Runtime
	topo topology.Topology
	dir  directory.Directory

	parents  map[string]*myconn.Connection
	brothers map[string]*myconn.Connection
	children map[string]*myconn.Connection
	temps    map[string]*myconn.Connection

	familyTable map[string]map[string]Handler

	userGroupMap  map[string]map[string]struct{}
	groupMapValid bool

	tempCounter atomic.Int64

	limiterRate  rate.Limit
	limiterBurst int

	eventSink func(kind string, fields map[string]any)
}

// SetEventSink installs a callback invoked whenever a connection is
// registered or unregistered, for the admin surface's live monitor feed
// (internal/admin). A nil sink (the default) disables the hook entirely.
func (m *Manager) SetEventSink(sink func(kind string, fields map[string]any)) {
	m.eventSink = sink
}

func (m *Manager) emit(kind string, fields map[string]any) {
	if m.eventSink != nil {
		m.eventSink(kind, fields)
	}
}

// New constructs a Manager and pre-registers the ConnManage family's
// SendSingle/SendGroup/SendBroadcast actions (§4.2), each of which
// continues routing a relayed envelope with isRepackage implicitly false
// (the envelope already exists on the wire; see routing.go).
func New(rt *reactor.Runtime, topo topology.Topology, dir directory.Directory) *Manager {
	m := &Manager{
		rt:          rt,
		topo:        topo,
		dir:         dir,
		parents:     make(map[string]*myconn.Connection),
		brothers:    make(map[string]*myconn.Connection),
		children:    make(map[string]*myconn.Connection),
		temps:       make(map[string]*myconn.Connection),
		familyTable: make(map[string]map[string]Handler),
	}
	m.RegisterAction(proto.FamilyConnManage, proto.ActionSendSingle, func(env proto.Envelope, _ service.Conn) {
		m.relayDispatch(proto.Single, env)
	})
	m.RegisterAction(proto.FamilyConnManage, proto.ActionSendGroup, func(env proto.Envelope, _ service.Conn) {
		m.relayDispatch(proto.Group, env)
	})
	m.RegisterAction(proto.FamilyConnManage, proto.ActionSendBroadcast, func(env proto.Envelope, _ service.Conn) {
		m.relayDispatch(proto.Broadcast, env)
	})
	topo.OnChange(m.invalidateUserGroupMap)
	if notifier, ok := dir.(directory.ChangeNotifier); ok {
		notifier.OnGroupMembershipChange(m.invalidateUserGroupMap)
	}
	return m
}

// SetInboundRateLimit configures the token-bucket rate/burst applied to
// every Connection this Manager subsequently creates via ConnectPeer or
// Accept. A zero rate disables limiting (the default).
func (m *Manager) SetInboundRateLimit(r rate.Limit, burst int) {
	m.limiterRate = r
	m.limiterBurst = burst
}

func (m *Manager) partition(kind overlay.LinkKind) map[string]*myconn.Connection {
	switch kind {
	case overlay.Parent:
		return m.parents
	case overlay.Brother:
		return m.brothers
	case overlay.Child:
		return m.children
	default:
		return m.temps
	}
}

// RegisterConn stores c into partition kind, minting a connId when id is
// overlay.InvalidConnID (Temp links), and starts the Connection. Registering
// a non-Temp link invalidates the UserGroupMap cache (§9).
func (m *Manager) RegisterConn(id string, kind overlay.LinkKind, c *myconn.Connection) string {
	if id == overlay.InvalidConnID {
		id = fmt.Sprintf("%d", m.tempCounter.Add(1))
		c.ID = id
	}
	m.partition(kind)[id] = c
	c.Start()
	if kind != overlay.Temp {
		m.invalidateUserGroupMap()
	}
	m.emit("conn_registered", map[string]any{"id": id, "kind": kind.String(), "peer": c.PeerUUID()})
	return id
}

// UnregisterConn removes id from whichever partition holds it, if any.
func (m *Manager) UnregisterConn(id string) {
	for _, kind := range allKinds {
		p := m.partition(kind)
		if _, ok := p[id]; ok {
			delete(p, id)
			if kind != overlay.Temp {
				m.invalidateUserGroupMap()
			}
			m.emit("conn_unregistered", map[string]any{"id": id, "kind": kind.String()})
			return
		}
	}
}

var allKinds = []overlay.LinkKind{overlay.Parent, overlay.Brother, overlay.Child, overlay.Temp}

// Find looks up id across all four partitions in O(1).
func (m *Manager) Find(id string) (*myconn.Connection, overlay.LinkKind, bool) {
	for _, kind := range allKinds {
		if c, ok := m.partition(kind)[id]; ok {
			return c, kind, true
		}
	}
	return nil, 0, false
}

// ConnectPeer dials addr off the reactor goroutine (the async_connect
// analog) and, on completion, registers and starts the Connection (or
// reports the dial error) back on the reactor.
func (m *Manager) ConnectPeer(kind overlay.LinkKind, id, addr string, initial service.Service, onResult func(*myconn.Connection, error)) {
	go func() {
		socket, err := net.Dial("tcp", addr)
		m.rt.Post(func() {
			if err != nil {
				if onResult != nil {
					onResult(nil, err)
				}
				return
			}
			c := m.newConnection(id, kind, socket, initial)
			m.RegisterConn(id, kind, c)
			if onResult != nil {
				onResult(c, nil)
			}
		})
	}()
}

// Accept wraps an already-established inbound socket (from a TCP listener)
// as a registered Connection, mirroring ConnectPeer's registration step for
// the accept-side half of §3's "registered into the manager at that point."
func (m *Manager) Accept(kind overlay.LinkKind, id string, socket net.Conn, initial service.Service) *myconn.Connection {
	c := m.newConnection(id, kind, socket, initial)
	m.RegisterConn(id, kind, c)
	return c
}

func (m *Manager) newConnection(id string, kind overlay.LinkKind, socket net.Conn, initial service.Service) *myconn.Connection {
	var limiter *rate.Limiter
	if m.limiterRate > 0 {
		limiter = rate.NewLimiter(m.limiterRate, m.limiterBurst)
	}
	return myconn.New(id, kind, overlay.PeerDescriptor{UUID: id}, m.topo.LocalUUID(), socket, m.rt, m, initial, limiter,
		func(stopped *myconn.Connection) { m.UnregisterConn(stopped.ID) })
}

// SendTo looks up id and enqueues frame; a silent no-op on unknown id (§4.2).
func (m *Manager) SendTo(id string, frame []byte) {
	c, _, ok := m.Find(id)
	if !ok {
		return
	}
	if err := c.Send(frame); err != nil {
		slog.Debug("connmgr: send failed", "id", id, "err", err)
	}
}

// DispatchFamily implements service.Dispatcher.
func (m *Manager) DispatchFamily(env proto.Envelope, c service.Conn) error {
	return m.DispatchAction(env.Family, env.Action, env, c)
}

// DispatchAction is the two-level (family, action) lookup (§4.2); unknown
// family or action is logged at debug and otherwise ignored.
func (m *Manager) DispatchAction(family, action string, env proto.Envelope, c service.Conn) error {
	at, ok := m.familyTable[family]
	if !ok {
		slog.Debug("connmgr: unknown family", "family", family)
		return nil
	}
	h, ok := at[action]
	if !ok {
		slog.Debug("connmgr: unknown action", "family", family, "action", action)
		return nil
	}
	h(env, c)
	return nil
}

// RegisterAction is a pure table insert (§4.4), auto-creating family's
// ActionTable on first use.
func (m *Manager) RegisterAction(family, action string, h Handler) {
	at, ok := m.familyTable[family]
	if !ok {
		at = make(map[string]Handler)
		m.familyTable[family] = at
	}
	at[action] = h
}

func (m *Manager) invalidateUserGroupMap() {
	m.groupMapValid = false
}

// groupsOf returns peerUUID's cached group membership set, rebuilding the
// whole UserGroupMap first if the cache was invalidated (§9: recompute
// whenever a Parent/Brother/Child Connection is added/removed, or Directory
// signals a group-membership change).
func (m *Manager) groupsOf(peerUUID string) map[string]struct{} {
	if !m.groupMapValid {
		m.rebuildUserGroupMap()
	}
	return m.userGroupMap[peerUUID]
}

func (m *Manager) isMemberOfGroup(peerUUID, groupID string) bool {
	_, ok := m.groupsOf(peerUUID)[groupID]
	return ok
}

func (m *Manager) rebuildUserGroupMap() {
	next := make(map[string]map[string]struct{})
	uuids := map[string]struct{}{m.topo.LocalUUID(): {}}
	for _, kind := range []overlay.LinkKind{overlay.Parent, overlay.Brother, overlay.Child} {
		for _, c := range m.partition(kind) {
			uuids[c.PeerUUID()] = struct{}{}
		}
	}
	for uuid := range uuids {
		groups, err := m.dir.ListJoinGroup(uuid)
		if err != nil {
			slog.Debug("connmgr: list join group failed", "uuid", uuid, "err", err)
			continue
		}
		set := make(map[string]struct{}, len(groups))
		for _, g := range groups {
			set[g] = struct{}{}
		}
		next[uuid] = set
	}
	m.userGroupMap = next
	m.groupMapValid = true
}

// sortedNeighbors returns kind's connections ordered by connId, the
// deterministic tie-break §4.2 requires for testable behavior.
func (m *Manager) sortedNeighbors(kind overlay.LinkKind) []*myconn.Connection {
	p := m.partition(kind)
	out := make([]*myconn.Connection, 0, len(p))
	for _, c := range p {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// oneNeighbor returns the first connection of kind in deterministic order.
func (m *Manager) oneNeighbor(kind overlay.LinkKind) (*myconn.Connection, bool) {
	ns := m.sortedNeighbors(kind)
	if len(ns) == 0 {
		return nil, false
	}
	return ns[0], true
}

// Stats is a point-in-time partition census for the admin surface.
type Stats struct {
	Parents, Brothers, Children, Temps int
}

// Snapshot posts onto the reactor and waits for the result rather than
// locking reactor-owned state, so it returns only while the reactor is
// running and only when called from a goroutine other than the reactor's.
func (m *Manager) Snapshot() Stats {
	result := make(chan Stats, 1)
	m.rt.Post(func() {
		result <- Stats{
			Parents:  len(m.parents),
			Brothers: len(m.brothers),
			Children: len(m.children),
			Temps:    len(m.temps),
		}
	})
	return <-result
}
