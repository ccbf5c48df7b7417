// Package proto defines the wire-level JSON message shapes carried over the
// framed codec: the control-plane envelope, the service-swap header, and the
// task-control sub-protocol multiplexed into FileDownload's duplex stream.
package proto

import "encoding/json"

// MaxRouteCount bounds lateral (Brother) forwarding loop-suppression.
const MaxRouteCount = 1

// Family/action names for the registered ConnManage dispatch table (§4.2).
const (
	FamilyConnManage = "ConnManage"

	ActionSendSingle    = "SendSingle"
	ActionSendGroup     = "SendGroup"
	ActionSendBroadcast = "SendBroadcast"
)

// Service names exchanged in the service-swap header (§6).
const (
	ServiceNetStructure    = "NetStructureService"
	ServicePicTransfer     = "PicTransferService"
	ServiceFileDownload    = "FileDownloadService"
	ServiceGroupFileUpload = "GroupFileUploadService"
	ServiceFileSend        = "FileSendService"
)

// Task-control frame names multiplexed into FileDownload's duplex stream.
const (
	TaskPause   = "TaskPause"
	TaskRestart = "TaskRestart"
	TaskStop    = "TaskStop"
)

// Mode selects the routing algorithm for a routed send (§4.2).
type Mode int

const (
	Single Mode = iota
	Group
	Broadcast
	Random
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "Single"
	case Group:
		return "Group"
	case Broadcast:
		return "Broadcast"
	case Random:
		return "Random"
	default:
		return "Unknown"
	}
}

// Envelope is the control-plane frame: {family, action, data, routeCount?}.
type Envelope struct {
	Family     string          `json:"family"`
	Action     string          `json:"action"`
	Data       json.RawMessage `json:"data"`
	RouteCount *int            `json:"routeCount,omitempty"`
}

// Payload is the inner object wrapped inside Envelope.Data for
// Single/Group/Random messages ({source, dest, ...}); Broadcast ignores Dest.
// Extra payload fields round-trip through Extra.
type Payload struct {
	Source string          `json:"source"`
	Dest   string          `json:"dest,omitempty"`
	Extra  json.RawMessage `json:"-"`
}

// MarshalJSON flattens Extra's fields alongside Source/Dest so callers that
// attach arbitrary application fields (chat body, picture metadata, ...)
// round-trip them without this package knowing their shape.
func (p Payload) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(p.Extra) > 0 {
		if err := json.Unmarshal(p.Extra, &base); err != nil {
			return nil, err
		}
	}
	srcJSON, err := json.Marshal(p.Source)
	if err != nil {
		return nil, err
	}
	base["source"] = srcJSON
	if p.Dest != "" {
		destJSON, err := json.Marshal(p.Dest)
		if err != nil {
			return nil, err
		}
		base["dest"] = destJSON
	}
	return json.Marshal(base)
}

// UnmarshalJSON extracts source/dest and keeps the rest in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var shape struct {
		Source string `json:"source"`
		Dest   string `json:"dest"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	p.Source = shape.Source
	p.Dest = shape.Dest
	p.Extra = append([]byte(nil), data...)
	return nil
}

// ServiceHeader is the first frame a sender posts after a service swap,
// naming the Service that should now drive the connection.
type ServiceHeader struct {
	ServiceName  string          `json:"serviceName"`
	ServiceParam json.RawMessage `json:"serviceParam,omitempty"`
}

// TaskControlFrame is a duplex control-plane frame multiplexed into
// FileDownload's stream ({"serviceName": "TaskPause"|"TaskRestart"|"TaskStop"}).
type TaskControlFrame struct {
	ServiceName string `json:"serviceName"`
}

// PicTransferParam is the serviceParam of a PicTransferService header.
// RouteCount carries the relay TTL state for a group fan-out continuation
// (see connmgr.RelayGroupTransfer); zero for a direct, non-group transfer.
type PicTransferParam struct {
	PicStoreName string `json:"picStoreName"`
	PicSize      int64  `json:"picSize"`
	Source       string `json:"source"`
	Dest         string `json:"dest,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
	RouteCount   int    `json:"routeCount,omitempty"`
}

// FileDownloadParam is the serviceParam a consumer sends to request a file
// previously advertised by the provider.
type FileDownloadParam struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// GroupFileUploadParam is the serviceParam used for both the origin sender
// and a relaying intermediate node. RouteCount is the relay TTL carried
// alongside IsRoute so a receiver that itself becomes a relay sender knows
// what hop count to stamp on its own further relay.
type GroupFileUploadParam struct {
	GroupID    string `json:"groupId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	Source     string `json:"source"`
	IsRoute    bool   `json:"isRoute,omitempty"`
	RouteCount int    `json:"routeCount,omitempty"`
}

// FileSendParam is the serviceParam for a minimal direct peer-to-peer
// transfer with no task bookkeeping.
type FileSendParam struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}
