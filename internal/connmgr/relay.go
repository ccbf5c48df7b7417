package connmgr

import (
	"fmt"
	"log/slog"
	"net"

	myconn "labmesh/internal/conn"
	"labmesh/internal/overlay"
	"labmesh/internal/proto"
	"labmesh/internal/service"
)

// relayTarget is one further neighbor a just-received group transfer should
// be re-sent to, paired with the routeCount that neighbor's own relay
// decision should be made against.
type relayTarget struct {
	uuid       string
	routeCount int
}

// groupRelayTargets computes the neighbors a group-session PicTransfer or
// GroupFileUpload should fan out to next, mirroring routeGroup's per-role
// parent/child membership filter plus one lateral Brother hop under the
// same hopRC TTL convention — the same shape already used for routing
// ordinary group envelopes, applied here to where a received file's bytes
// get relayed next.
func (m *Manager) groupRelayTargets(groupID string, routeCount int) []relayTarget {
	hopRC := routeCount
	if hopRC == 0 {
		hopRC = 1
	}

	var targets []relayTarget
	switch m.topo.LocalRole() {
	case overlay.Master:
		if c, ok := m.oneNeighbor(overlay.Child); ok {
			targets = append(targets, relayTarget{uuid: c.PeerUUID(), routeCount: hopRC})
		}

	case overlay.Router:
		for _, p := range m.sortedNeighbors(overlay.Parent) {
			if m.isMemberOfGroup(p.PeerUUID(), groupID) {
				targets = append(targets, relayTarget{uuid: p.PeerUUID(), routeCount: hopRC})
			}
		}
		for _, c := range m.sortedNeighbors(overlay.Child) {
			if m.isMemberOfGroup(c.PeerUUID(), groupID) {
				targets = append(targets, relayTarget{uuid: c.PeerUUID(), routeCount: hopRC})
			}
		}
		if hopRC <= proto.MaxRouteCount {
			if b, ok := m.oneNeighbor(overlay.Brother); ok {
				targets = append(targets, relayTarget{uuid: b.PeerUUID(), routeCount: hopRC + 1})
			}
		}

	case overlay.Member:
		if p, ok := m.oneNeighbor(overlay.Parent); ok {
			targets = append(targets, relayTarget{uuid: p.PeerUUID(), routeCount: hopRC})
		}
	}
	return targets
}

// RelayGroupTransfer re-initiates a just-received group PicTransfer or
// GroupFileUpload toward every further neighbor groupRelayTargets names: for
// each, it looks up the peer's dial address in the Directory, builds a fresh
// relay-sender Service via newSender, and opens a brand-new Temp connection
// carrying it — the one case where a file's body crosses this node as more
// than a routed envelope. Failures (unknown peer, dial failure, construction
// failure) are logged and skip that target; they never abort the others.
func (m *Manager) RelayGroupTransfer(groupID string, routeCount int, newSender func(destUUID string, routeCount int) (service.Service, error)) {
	for _, t := range m.groupRelayTargets(groupID, routeCount) {
		peer, ok := m.dir.GetUser(t.uuid)
		if !ok {
			slog.Debug("connmgr: relay target not in directory, skipping", "group", groupID, "peer", t.uuid)
			continue
		}
		svc, err := newSender(t.uuid, t.routeCount)
		if err != nil {
			slog.Debug("connmgr: relay sender construction failed, skipping", "group", groupID, "peer", t.uuid, "err", err)
			continue
		}
		addr := net.JoinHostPort(peer.IP, fmt.Sprintf("%d", overlay.OverlayPort))
		m.ConnectPeer(overlay.Temp, overlay.InvalidConnID, addr, svc, func(_ *myconn.Connection, err error) {
			if err != nil {
				slog.Error("connmgr: group relay dial failed", "group", groupID, "peer", t.uuid, "addr", addr, "err", err)
			}
		})
	}
}
