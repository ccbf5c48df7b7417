package service

import (
	"fmt"
	"log/slog"

	"labmesh/internal/codec"
	"labmesh/internal/proto"
)

// ServiceFactory constructs the next Service named by a service-swap header,
// given its raw serviceParam. Registered by whichever package wires up the
// concrete variants (avoids Control importing every other variant package
// and creating an import cycle back into connmgr).
type ServiceFactory func(param []byte) (Service, error)

// Control is the long-lived, framed control-plane service (§4.3): every
// decoded frame is either a service-swap header or an Envelope routed
// through the Dispatcher. Long-lived; the connection stays Control unless a
// peer requests a swap.
type Control struct {
	state State

	// factories maps a proto.Service* name to its constructor, so the
	// Control service can build whatever the peer names in a swap header
	// without depending on the variant packages directly.
	factories map[string]ServiceFactory
}

// NewControl constructs a Control service. factories should contain an
// entry for every proto.Service* name other than NetStructureService.
func NewControl(factories map[string]ServiceFactory) *Control {
	return &Control{state: Idle, factories: factories}
}

func (c *Control) Name() string  { return proto.ServiceNetStructure }
func (c *Control) State() State  { return c.state }
func (c *Control) Progress() int { return 0 }

func (c *Control) Start(conn Conn) error {
	c.state = Running
	return nil
}

func (c *Control) Pause() error   { return ErrNotPausable }
func (c *Control) Restore() error { return ErrNotPausable }

func (c *Control) Stop(conn Conn) error {
	if c.state != Finished && c.state != Errored {
		c.state = Finished
	}
	return nil
}

// Consume decodes every complete frame in data (merged with conn's
// transport residual). A frame naming a service in c.factories triggers an
// in-place swap (§4.3): the new Service is constructed, any bytes after the
// header frame are handed to it as its first Consume call, and Control
// itself becomes Finished. Any other frame is parsed as an Envelope and
// routed through the Dispatcher; malformed frames and unknown family/action
// are logged at debug and otherwise ignored (§7 Framing/Protocol policy —
// the connection stays open).
func (c *Control) Consume(conn Conn, data []byte) error {
	var swapTo Service

	newRemain, err := codec.DecodeLoop(data, len(data), conn.Remain(), func(body []byte) (bool, error) {
		var probe struct {
			ServiceName string `json:"serviceName"`
			Family      string `json:"family"`
		}
		if err := codec.Decode(body, &probe); err != nil {
			slog.Debug("control: malformed frame discarded", "err", err)
			return false, nil
		}

		if probe.ServiceName != "" {
			factory, ok := c.factories[probe.ServiceName]
			if !ok {
				slog.Debug("control: unknown service name in swap header", "service", probe.ServiceName)
				return false, nil
			}
			var hdr proto.ServiceHeader
			if err := codec.Decode(body, &hdr); err != nil {
				slog.Debug("control: malformed service header discarded", "err", err)
				return false, nil
			}
			next, err := factory(hdr.ServiceParam)
			if err != nil {
				slog.Debug("control: service construction failed", "service", hdr.ServiceName, "err", err)
				return false, nil
			}
			// Stop the loop here: everything DecodeLoop hands back as
			// newRemain belongs to the new Service, not to further Control
			// frames (§4.3 invariant: no frame straddles a Service boundary).
			swapTo = next
			return true, nil
		}

		if probe.Family == "" {
			slog.Debug("control: frame is neither a service header nor an envelope")
			return false, nil
		}
		var env proto.Envelope
		if err := codec.Decode(body, &env); err != nil {
			slog.Debug("control: malformed envelope discarded", "err", err)
			return false, nil
		}
		if err := conn.Dispatcher().DispatchFamily(env, conn); err != nil {
			slog.Debug("control: dispatch error", "family", env.Family, "action", env.Action, "err", err)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("control: decode loop: %w", err)
	}

	if swapTo != nil {
		c.state = Finished
		// conn.SwapService feeds newRemain (the tail after the header
		// frame) to the new Service as its first Consume call, satisfying
		// invariant 2 of §4.3 (new Service inherits the transport tail).
		return conn.SwapService(swapTo, newRemain)
	}
	conn.SetRemain(newRemain)
	return nil
}
