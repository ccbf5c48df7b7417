// Package overlay holds the identity and topology types shared across the
// connection manager: peer descriptors, link kinds, and roles.
package overlay

import "fmt"

// PeerDescriptor identifies a peer on the LAN. Identity is UUID; IP/MAC are
// transport hints used to populate the local ARP table on connect.
type PeerDescriptor struct {
	UUID string
	IP   string // dotted-quad IPv4
	MAC  string
}

// LinkKind is the connection's place in the three-tier hierarchy.
type LinkKind int

const (
	// Parent is a long-lived overlay edge toward the tier above.
	Parent LinkKind = iota
	// Brother is a long-lived lateral edge between Routers.
	Brother
	// Child is a long-lived overlay edge toward the tier below.
	Child
	// Temp is a short-lived connection used for exactly one bulk transfer.
	Temp
)

func (k LinkKind) String() string {
	switch k {
	case Parent:
		return "Parent"
	case Brother:
		return "Brother"
	case Child:
		return "Child"
	case Temp:
		return "Temp"
	default:
		return fmt.Sprintf("LinkKind(%d)", int(k))
	}
}

// Role is a peer's position in the hierarchy.
type Role int

const (
	Master Role = iota
	Router
	Member
)

func (r Role) String() string {
	switch r {
	case Master:
		return "Master"
	case Router:
		return "Router"
	case Member:
		return "Member"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// InvalidConnID marks an unset/auto-assign connection identity, mirroring
// the source's INVALID sentinel used when registering a connection whose id
// should be minted (Temp links).
const InvalidConnID = ""

// OverlayPort is the fixed TCP port every node's overlay listener binds,
// mirroring the source's fixed HostDescription port convention: the
// Directory only stores a peer's bare IP, so any dial address built from a
// PeerDescriptor joins it with this port rather than one stored per-peer.
const OverlayPort = 7330
