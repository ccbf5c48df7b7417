// Package directory defines the Directory external interface (user address
// lookup and per-user group membership) and a reference sqlite-backed
// implementation for labs that don't bring their own persistent store. The
// persistent store proper (messages, requests, tasks, homework) is out of
// scope (spec.md §1); only the slice the connection manager consumes lives
// here.
package directory

import "labmesh/internal/overlay"

// Directory supplies user address lookup and group membership.
type Directory interface {
	GetUser(uuid string) (overlay.PeerDescriptor, bool)
	ListJoinGroup(uuid string) ([]string, error)
}

// ChangeNotifier is implemented by Directory backends that can tell the
// connection manager when group membership changed, so UserGroupMap can be
// invalidated per spec.md §9 ("recompute whenever ... a group-membership
// change notification arrives from Directory").
type ChangeNotifier interface {
	OnGroupMembershipChange(cb func())
}
