package connmgr

import (
	"testing"

	"labmesh/internal/overlay"
	"labmesh/internal/service"
)

// Scenario: Router relay targets mirror routeGroup's own neighbor selection
// (parent/child filtered by group membership, plus one Brother hop under
// the routeCount TTL), for the group fan-out fired once a group PicTransfer
// or GroupFileUpload finishes receiving.
func TestGroupRelayTargetsRouterMirrorsRouteGroup(t *testing.T) {
	groups := map[string][]string{"P1": {"G"}, "C1": {"G"}}
	m := newManagerForTest(t, "R1", overlay.Router, groups)
	attachConn(t, m, overlay.Parent, "P1")
	attachConn(t, m, overlay.Parent, "P2")
	attachConn(t, m, overlay.Child, "C1")
	attachConn(t, m, overlay.Brother, "B1")

	targets := m.groupRelayTargets("G", 1)

	byUUID := make(map[string]int)
	for _, tg := range targets {
		byUUID[tg.uuid] = tg.routeCount
	}
	if rc, ok := byUUID["P1"]; !ok || rc != 1 {
		t.Fatalf("expected P1 at routeCount=1, got %v ok=%v", rc, ok)
	}
	if rc, ok := byUUID["C1"]; !ok || rc != 1 {
		t.Fatalf("expected C1 at routeCount=1, got %v ok=%v", rc, ok)
	}
	if rc, ok := byUUID["B1"]; !ok || rc != 2 {
		t.Fatalf("expected B1 at routeCount=2, got %v ok=%v", rc, ok)
	}
	if _, ok := byUUID["P2"]; ok {
		t.Fatalf("expected P2 (non-member) to be excluded")
	}
}

// A routeCount past MaxRouteCount drops the lateral Brother hop, same TTL
// shape as routeGroup's own Brother-forward check.
func TestGroupRelayTargetsRouterDropsBrotherPastMaxRouteCount(t *testing.T) {
	m := newManagerForTest(t, "R1", overlay.Router, map[string][]string{"P1": {"G"}})
	attachConn(t, m, overlay.Parent, "P1")
	attachConn(t, m, overlay.Brother, "B1")

	targets := m.groupRelayTargets("G", 2)

	for _, tg := range targets {
		if tg.uuid == "B1" {
			t.Fatalf("expected no Brother relay target past MaxRouteCount, got %+v", targets)
		}
	}
}

func TestGroupRelayTargetsMasterForwardsToOneChild(t *testing.T) {
	m := newManagerForTest(t, "M1", overlay.Master, nil)
	attachConn(t, m, overlay.Child, "C1")

	targets := m.groupRelayTargets("G", 0)

	if len(targets) != 1 || targets[0].uuid != "C1" {
		t.Fatalf("expected single relay target C1, got %+v", targets)
	}
}

// directoryMissDirectory reports every uuid as unknown, so RelayGroupTransfer
// must skip every target without ever invoking newSender.
type directoryMissDirectory struct {
	groups map[string][]string
}

func (directoryMissDirectory) GetUser(uuid string) (overlay.PeerDescriptor, bool) {
	return overlay.PeerDescriptor{}, false
}
func (d directoryMissDirectory) ListJoinGroup(uuid string) ([]string, error) { return d.groups[uuid], nil }

func TestRelayGroupTransferSkipsTargetsMissingFromDirectory(t *testing.T) {
	rt := newManagerForTest(t, "R1", overlay.Router, map[string][]string{"C1": {"G"}})
	rt.dir = directoryMissDirectory{groups: map[string][]string{"C1": {"G"}}}
	attachConn(t, rt, overlay.Child, "C1")

	var newSenderCalls int
	rt.RelayGroupTransfer("G", 1, func(dest string, routeCount int) (service.Service, error) {
		newSenderCalls++
		return nil, nil
	})

	if newSenderCalls != 0 {
		t.Fatalf("expected newSender never invoked when directory has no entry, got %d calls", newSenderCalls)
	}
}
