package directory

import (
	"testing"

	"labmesh/internal/overlay"
)

func openTestDirectory(t *testing.T) *SQLiteDirectory {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGetUserUnknownReturnsFalse(t *testing.T) {
	d := openTestDirectory(t)
	if _, ok := d.GetUser("nobody"); ok {
		t.Fatalf("expected unknown peer to return ok=false")
	}
}

func TestUpsertPeerThenGetUser(t *testing.T) {
	d := openTestDirectory(t)
	pd := overlay.PeerDescriptor{UUID: "U1", IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff"}
	if err := d.UpsertPeer(pd); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	got, ok := d.GetUser("U1")
	if !ok {
		t.Fatalf("expected peer to be found")
	}
	if got.IP != pd.IP || got.MAC != pd.MAC || got.UUID != pd.UUID {
		t.Fatalf("expected %+v, got %+v", pd, got)
	}

	// Upsert again with a changed IP; the row updates in place.
	pd.IP = "10.0.0.9"
	if err := d.UpsertPeer(pd); err != nil {
		t.Fatalf("UpsertPeer (update): %v", err)
	}
	got, _ = d.GetUser("U1")
	if got.IP != "10.0.0.9" {
		t.Fatalf("expected updated IP, got %q", got.IP)
	}
}

func TestJoinAndLeaveGroup(t *testing.T) {
	d := openTestDirectory(t)
	if err := d.JoinGroup("U1", "G1"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if err := d.JoinGroup("U1", "G2"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	groups, err := d.ListJoinGroup("U1")
	if err != nil {
		t.Fatalf("ListJoinGroup: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %v", groups)
	}

	if err := d.LeaveGroup("U1", "G1"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	groups, err = d.ListJoinGroup("U1")
	if err != nil {
		t.Fatalf("ListJoinGroup: %v", err)
	}
	if len(groups) != 1 || groups[0] != "G2" {
		t.Fatalf("expected only G2 to remain, got %v", groups)
	}
}

func TestJoinGroupRejectsBlankIdentifiers(t *testing.T) {
	d := openTestDirectory(t)
	if err := d.JoinGroup("", "G1"); err == nil {
		t.Fatalf("expected error for blank peer uuid")
	}
	if err := d.JoinGroup("U1", ""); err == nil {
		t.Fatalf("expected error for blank group id")
	}
}

func TestOnGroupMembershipChangeNotifiesListeners(t *testing.T) {
	d := openTestDirectory(t)
	fired := make(chan struct{}, 1)
	d.OnGroupMembershipChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err := d.JoinGroup("U1", "G1"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatalf("expected listener to be notified on join")
	}
}

func TestListJoinGroupEmptyForUnknownPeer(t *testing.T) {
	d := openTestDirectory(t)
	groups, err := d.ListJoinGroup("ghost")
	if err != nil {
		t.Fatalf("ListJoinGroup: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups, got %v", groups)
	}
}
