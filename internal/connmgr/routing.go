package connmgr

import (
	"encoding/json"
	"log/slog"

	"labmesh/internal/codec"
	myconn "labmesh/internal/conn"
	"labmesh/internal/overlay"
	"labmesh/internal/proto"
)

// SendActionMsg constructs the application-level envelope {family, action,
// data} and routes it (§4.2). This is the origin call: the envelope carries
// no routeCount yet, matching a freshly-originated send rather than a
// continued relay.
func (m *Manager) SendActionMsg(mode proto.Mode, family, action string, payload proto.Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Debug("connmgr: marshal payload failed", "err", err)
		return
	}
	m.route(mode, proto.Envelope{Family: family, Action: action, Data: data}, nil)
}

// relayDispatch is invoked by the registered ConnManage/Send{Single,Group,
// Broadcast} handlers: env is the outer wire envelope a neighbor forwarded
// to us, whose Data holds the still-encoded inner application envelope and
// whose RouteCount carries this hop's TTL state.
func (m *Manager) relayDispatch(mode proto.Mode, env proto.Envelope) {
	var inner proto.Envelope
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		slog.Debug("connmgr: malformed relay envelope", "err", err)
		return
	}
	m.route(mode, inner, env.RouteCount)
}

// route implements the role-dependent routing algorithm (§4.2). msg is the
// application envelope (family/action/data meaningful to whatever delivers
// it locally); rc is the routeCount carried by the outer wire envelope that
// produced this call, nil for a freshly-originated send.
func (m *Manager) route(mode proto.Mode, msg proto.Envelope, rc *int) {
	switch mode {
	case proto.Single:
		m.routeSingle(msg, rc)
	case proto.Group:
		m.routeGroup(msg, rc)
	case proto.Broadcast:
		m.routeBroadcast(msg, rc)
	case proto.Random:
		m.routeRandom(msg)
	default:
		slog.Debug("connmgr: unknown routing mode", "mode", int(mode))
	}
}

func extractPayload(msg proto.Envelope) (proto.Payload, error) {
	var p proto.Payload
	err := json.Unmarshal(msg.Data, &p)
	return p, err
}

// deliverLocal hands msg to whatever family handler the embedding
// application registered for msg.Family; there is no concrete Connection to
// attach (the message either originated locally or terminates here), so the
// handler receives a nil service.Conn.
func (m *Manager) deliverLocal(msg proto.Envelope) {
	_ = m.DispatchFamily(msg, nil)
}

// sendWrapped wraps msg as the outer ConnManage/Send{mode} envelope with
// routeCount rc and transmits it to c.
func (m *Manager) sendWrapped(c *myconn.Connection, mode proto.Mode, msg proto.Envelope, rc *int) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Debug("connmgr: marshal inner envelope failed", "err", err)
		return
	}
	outer := proto.Envelope{Family: proto.FamilyConnManage, Action: sendActionFor(mode), Data: data, RouteCount: rc}
	m.sendEnvelope(c, outer)
}

func (m *Manager) sendEnvelope(c *myconn.Connection, env proto.Envelope) {
	frame, err := codec.Encode(env)
	if err != nil {
		slog.Debug("connmgr: encode envelope failed", "err", err)
		return
	}
	if err := c.Send(frame); err != nil {
		slog.Debug("connmgr: send envelope failed", "id", c.ID, "err", err)
	}
}

func sendActionFor(mode proto.Mode) string {
	switch mode {
	case proto.Single:
		return proto.ActionSendSingle
	case proto.Group:
		return proto.ActionSendGroup
	case proto.Broadcast:
		return proto.ActionSendBroadcast
	default:
		return ""
	}
}

// routeSingle implements §4.2's per-role Single algorithm.
func (m *Manager) routeSingle(msg proto.Envelope, rc *int) {
	payload, err := extractPayload(msg)
	if err != nil {
		slog.Debug("connmgr: malformed single payload", "err", err)
		return
	}
	if payload.Dest == m.topo.LocalUUID() {
		m.deliverLocal(msg)
		return
	}

	switch m.topo.LocalRole() {
	case overlay.Master:
		// REDESIGN FLAG: drop (not misdeliver to an arbitrary child) when
		// Master has no child matching dest.
		if c, ok := m.children[payload.Dest]; ok {
			m.sendWrapped(c, proto.Single, msg, nil)
			return
		}
		slog.Debug("connmgr: master has no matching child for single send, dropping", "dest", payload.Dest)

	case overlay.Router:
		if c, ok := m.children[payload.Dest]; ok {
			m.sendWrapped(c, proto.Single, msg, nil)
			return
		}
		if rc == nil {
			if p, ok := m.parents[payload.Dest]; ok {
				one := 1
				m.sendWrapped(p, proto.Single, msg, &one)
				return
			}
		}
		var next int
		if rc == nil {
			next = 2
		} else {
			next = *rc + 1
		}
		if next > proto.MaxRouteCount {
			slog.Debug("connmgr: single route count exceeded, dropping", "dest", payload.Dest)
			return
		}
		if b, ok := m.oneNeighbor(overlay.Brother); ok {
			m.sendWrapped(b, proto.Single, msg, &next)
		}

	case overlay.Member:
		if rc == nil { // only the origin forwards upward; relays are leaves
			if p, ok := m.oneNeighbor(overlay.Parent); ok {
				m.sendWrapped(p, proto.Single, msg, nil)
			}
		}
	}
}

// routeGroup implements §4.2's per-role Group algorithm: payload.Dest holds
// the groupId. The Brother-forward TTL check and increment are applied to
// the common current hop value (hopRC), not re-derived per neighbor, so
// every tree-forward at this hop carries the same routeCount while the
// lateral copy carries hopRC+1 — the value the next Router's own check
// compares against MAX_ROUTE_COUNT (see the "second forward" drop property).
func (m *Manager) routeGroup(msg proto.Envelope, rc *int) {
	payload, err := extractPayload(msg)
	if err != nil {
		slog.Debug("connmgr: malformed group payload", "err", err)
		return
	}
	groupID := payload.Dest

	if m.isMemberOfGroup(m.topo.LocalUUID(), groupID) {
		m.deliverLocal(msg)
	}

	switch m.topo.LocalRole() {
	case overlay.Master:
		if c, ok := m.oneNeighbor(overlay.Child); ok {
			m.sendWrapped(c, proto.Group, msg, nil)
		}

	case overlay.Router:
		hopRC := 1
		if rc != nil {
			hopRC = *rc
		}
		for _, p := range m.sortedNeighbors(overlay.Parent) {
			if m.isMemberOfGroup(p.PeerUUID(), groupID) {
				m.sendWrapped(p, proto.Group, msg, &hopRC)
			}
		}
		for _, c := range m.sortedNeighbors(overlay.Child) {
			if m.isMemberOfGroup(c.PeerUUID(), groupID) {
				m.sendWrapped(c, proto.Group, msg, &hopRC)
			}
		}
		if hopRC <= proto.MaxRouteCount {
			next := hopRC + 1
			if b, ok := m.oneNeighbor(overlay.Brother); ok {
				m.sendWrapped(b, proto.Group, msg, &next)
			}
		}

	case overlay.Member:
		if rc == nil {
			if p, ok := m.oneNeighbor(overlay.Parent); ok {
				m.sendWrapped(p, proto.Group, msg, nil)
			}
		}
	}
}

// routeBroadcast implements §4.2's per-role Broadcast algorithm: every node
// delivers locally unconditionally; the TTL shape otherwise matches Group
// with no membership filter.
func (m *Manager) routeBroadcast(msg proto.Envelope, rc *int) {
	m.deliverLocal(msg)

	switch m.topo.LocalRole() {
	case overlay.Master:
		if c, ok := m.oneNeighbor(overlay.Child); ok {
			m.sendWrapped(c, proto.Broadcast, msg, nil)
		}

	case overlay.Router:
		hopRC := 1
		if rc != nil {
			hopRC = *rc
		}
		for _, p := range m.sortedNeighbors(overlay.Parent) {
			m.sendWrapped(p, proto.Broadcast, msg, &hopRC)
		}
		for _, c := range m.sortedNeighbors(overlay.Child) {
			m.sendWrapped(c, proto.Broadcast, msg, &hopRC)
		}
		if hopRC <= proto.MaxRouteCount {
			next := hopRC + 1
			if b, ok := m.oneNeighbor(overlay.Brother); ok {
				m.sendWrapped(b, proto.Broadcast, msg, &next)
			}
		}

	case overlay.Member:
		if rc == nil {
			if p, ok := m.oneNeighbor(overlay.Parent); ok {
				m.sendWrapped(p, proto.Broadcast, msg, nil)
			}
		}
	}
}

// routeRandom implements §4.2's Random algorithm: single-hop, no routeCount,
// sent untouched (no ConnManage wrapper) since the recipient dispatches
// msg's own family/action directly rather than continuing a relay.
func (m *Manager) routeRandom(msg proto.Envelope) {
	if payload, err := extractPayload(msg); err == nil && payload.Dest == m.topo.LocalUUID() {
		m.deliverLocal(msg)
		return
	}

	var kind overlay.LinkKind
	switch m.topo.LocalRole() {
	case overlay.Master:
		kind = overlay.Child
	case overlay.Router:
		kind = overlay.Brother
	case overlay.Member:
		kind = overlay.Parent
	}
	c, ok := m.oneNeighbor(kind)
	if !ok {
		slog.Debug("connmgr: random route has no eligible neighbor", "role", m.topo.LocalRole())
		return
	}
	m.sendEnvelope(c, msg)
}
