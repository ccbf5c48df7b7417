// Command labmesh runs one node of the LAN lab overlay: the reactor, the
// ConnectionManager, the overlay TCP listener, and the admin HTTP surface.
// Grounded on the teacher's server/main.go and server/cli.go: CLI subcommand
// dispatch ("version", "status") before the serve subcommand's own flag set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"labmesh/internal/admin"
	"labmesh/internal/arp"
	myconn "labmesh/internal/conn"
	"labmesh/internal/connmgr"
	"labmesh/internal/directory"
	"labmesh/internal/overlay"
	"labmesh/internal/proto"
	"labmesh/internal/reactor"
	"labmesh/internal/service"
	"labmesh/internal/sessiontask"
	"labmesh/internal/sharedfile"
	"labmesh/internal/topology"
)

// Version is stamped by -ldflags in release builds; "dev" otherwise.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: labmesh <serve|status|version> [flags]")
		os.Exit(1)
	}
	if os.Args[1] != "serve" {
		if RunCLI(os.Args[1:], "lab.db") {
			return
		}
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":7330", "overlay TCP listen address")
	adminAddr := fs.String("admin-addr", ":8099", "admin HTTP listen address (empty to disable)")
	dbPath := fs.String("db", "lab.db", "SQLite directory database path")
	dataDir := fs.String("data-dir", "lab-data", "directory for received files, pictures, and group shares")
	uuid := fs.String("uuid", "", "this node's overlay UUID (required)")
	role := fs.String("role", "Member", "this node's role: Master, Router, or Member")
	peers := fs.String("peers", "", "comma-separated kind=uuid=addr neighbors to dial at startup (kind: parent, brother, child)")
	_ = fs.Parse(os.Args[2:])

	if *uuid == "" {
		log.Fatal("[labmesh] -uuid is required")
	}
	r, err := parseRole(*role)
	if err != nil {
		log.Fatalf("[labmesh] %v", err)
	}

	dir, err := directory.Open(*dbPath)
	if err != nil {
		log.Fatalf("[labmesh] open directory: %v", err)
	}
	defer dir.Close()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("[labmesh] create data dir: %v", err)
	}

	topo := &topology.Static{UUID: *uuid, Role: r}
	rt := reactor.New(1024, nil)
	mgr := connmgr.New(rt, topo, dir)

	monitor := admin.NewMonitor()
	arpTable := arp.NewMemoryTable()
	sessions := sessiontask.NewMemorySessionSink()
	tasks := sessiontask.NewMemoryTaskSink()
	shared := sharedfile.NewMemoryStore()

	factories := buildServiceFactories(mgr, *dataDir, tasks, sessions, shared)
	newControl := func() service.Service { return service.NewControl(factories) }

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go rt.Run(ctx)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("[labmesh] listen %s: %v", *addr, err)
	}
	defer ln.Close()
	slog.Info("labmesh: overlay listener started", "addr", *addr, "uuid", *uuid, "role", r.String())

	go acceptLoop(ctx, ln, mgr, newControl, arpTable)

	if err := dialStaticPeers(mgr, *peers, newControl); err != nil {
		log.Fatalf("[labmesh] %v", err)
	}

	if *adminAddr != "" {
		srv := admin.New(mgr, topo, monitor)
		go func() {
			if err := srv.Run(ctx, *adminAddr); err != nil {
				slog.Error("labmesh: admin server stopped", "err", err)
			}
		}()
		slog.Info("labmesh: admin http listening", "addr", *adminAddr)
	}

	<-ctx.Done()
	slog.Info("labmesh: shutting down")
}

func parseRole(s string) (overlay.Role, error) {
	switch strings.ToLower(s) {
	case "master":
		return overlay.Master, nil
	case "router":
		return overlay.Router, nil
	case "member":
		return overlay.Member, nil
	default:
		return 0, fmt.Errorf("unknown role %q (want Master, Router, or Member)", s)
	}
}

func buildServiceFactories(
	mgr *connmgr.Manager,
	dataDir string,
	tasks sessiontask.TaskSink,
	sessions sessiontask.SessionSink,
	shared sharedfile.Store,
) map[string]service.ServiceFactory {
	picDir := filepath.Join(dataDir, "pictures")
	fileDir := filepath.Join(dataDir, "files")
	groupDir := filepath.Join(dataDir, "groups")
	for _, d := range []string{picDir, fileDir, groupDir} {
		_ = os.MkdirAll(d, 0o755)
	}

	resolve := func(fileID string) (string, bool) {
		path := filepath.Join(fileDir, filepath.Base(fileID))
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		return path, true
	}

	deliver := func(msg sessiontask.MessageInfo) { sessions.CreateMessage(msg, false) }

	// relayPicture and relayGroupFile re-initiate a just-received
	// group-session transfer toward the rest of the group's fan-out tree
	// (§4.3's "isRoute=true" continuation), the only case a file body
	// crosses a Router rather than being routed as an envelope.
	relayPicture := func(fanout service.PicTransferFanout) {
		mgr.RelayGroupTransfer(fanout.GroupID, fanout.RouteCount, func(dest string, routeCount int) (service.Service, error) {
			return service.NewPicTransferRelaySender(fanout.SourcePath, fanout.PicStoreName, fanout.Source, dest, fanout.GroupID, routeCount)
		})
	}
	relayGroupFile := func(info sharedfile.SharedFileInfo, routeCount int) {
		mgr.RelayGroupTransfer(info.GroupID, routeCount, func(dest string, nextRouteCount int) (service.Service, error) {
			return service.NewGroupFileUploadRelaySender(info.DiskPath, info.GroupID, info.FileName, info.Source, info.FileSize, nextRouteCount), nil
		})
	}

	return map[string]service.ServiceFactory{
		proto.ServicePicTransfer:     service.NewPicTransferReceiverFactory(picDir, deliver, relayPicture),
		proto.ServiceFileDownload:    service.NewFileDownloadProviderFactory(resolve, tasks),
		proto.ServiceGroupFileUpload: service.NewGroupFileUploadReceiverFactory(groupDir, shared, relayGroupFile),
		proto.ServiceFileSend:        service.NewFileSendReceiverFactory(fileDir, deliver),
	}
}

// acceptLoop accepts inbound sockets off the reactor goroutine and registers
// each as a Temp connection running Control, mirroring ConnectPeer's own
// accept-side registration step. Classifying an inbound socket by LinkKind
// ahead of any handshake is outside this spec's scope (bootstrap/role
// election is an external Topology concern per spec.md §1); Temp is the
// correct default since Control itself still drives every ConnManage
// envelope and service-swap header regardless of partition.
func acceptLoop(ctx context.Context, ln net.Listener, mgr *connmgr.Manager, newControl func() service.Service, arpTable arp.Table) {
	for {
		socket, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Error("labmesh: accept failed", "err", err)
				continue
			}
		}
		if host, _, err := net.SplitHostPort(socket.RemoteAddr().String()); err == nil {
			arpTable.SetHostArp(host, "")
		}
		mgr.Accept(overlay.Temp, overlay.InvalidConnID, socket, newControl())
	}
}

// dialStaticPeers parses -peers and connects each named neighbor.
func dialStaticPeers(mgr *connmgr.Manager, spec string, newControl func() service.Service) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 3)
		if len(parts) != 3 {
			return fmt.Errorf("malformed -peers entry %q (want kind=uuid=addr)", entry)
		}
		kind, uuid, addr := parts[0], parts[1], parts[2]
		var linkKind overlay.LinkKind
		switch strings.ToLower(kind) {
		case "parent":
			linkKind = overlay.Parent
		case "brother":
			linkKind = overlay.Brother
		case "child":
			linkKind = overlay.Child
		default:
			return fmt.Errorf("unknown peer kind %q in -peers entry %q", kind, entry)
		}
		mgr.ConnectPeer(linkKind, uuid, addr, newControl(), func(c *myconn.Connection, err error) {
			if err != nil {
				slog.Error("labmesh: dial peer failed", "uuid", uuid, "addr", addr, "err", err)
			}
		})
	}
	return nil
}
