package server

import (
	"context"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/admin"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency/dstore"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/lib/meta"
	"github.com/ThinkParQ/beegfs-sub020/lib/mirror"
	"github.com/ThinkParQ/beegfs-sub020/lib/nodes"
	"github.com/ThinkParQ/beegfs-sub020/lib/resync"
	"github.com/ThinkParQ/beegfs-sub020/rpc/ack"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/udp"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
)

var Logger = logger.GetLogger("server")

// Node is a metadata node: it serves client requests, mirrors them to the
// buddy, answers operator requests and runs resync jobs
type Node struct {
	config common.ServerConfig

	nodes      *nodes.Registry
	requester  *client.Requester
	locks      lockstore.ILockStore
	states     *consistency.Registry
	meta       *meta.Service
	processor  *mirror.Processor
	jobs       *resync.Manager
	dispatcher *Dispatcher

	stream   transport.IServerTransport
	datagram *udp.Endpoint
	acks     *ack.Store
	receiver *ack.Receiver
	reporter *consistency.Reporter
	admin    *admin.Server

	cancel context.CancelFunc
}

// NewNode creates a node from config. stream is the transport client
// requests and forwarded operations arrive on.
//
// Usage:
//
//	n, err := server.NewNode(config, tcp.NewTCPServerTransport(config))
//	if err != nil {
//		return err
//	}
//	return n.Serve()
func NewNode(config common.ServerConfig, stream transport.IServerTransport) (*Node, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if config.Workers <= 0 {
		config.Workers = common.DefaultWorkers
	}
	if config.Client.NodeID == 0 {
		config.Client.NodeID = config.NodeID
	}

	persister, err := newPersister(config)
	if err != nil {
		return nil, err
	}
	states, err := consistency.NewRegistry(persister)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	n := &Node{
		config:     config,
		nodes:      nodes.NewRegistry(config.Nodes, config.BuddyGroups, config.Client),
		locks:      lockstore.NewLockStore(),
		states:     states,
		dispatcher: NewDispatcher(),
		stream:     stream,
		acks:       ack.NewStore(),
	}
	n.requester = client.NewRequester(n.nodes, config.Client)
	n.meta = meta.NewService(meta.NewNamespace(config.GroupID != 0), n.locks)

	n.jobs = resync.NewManager(resync.Config{
		NodeID:        config.NodeID,
		Workers:       config.ResyncWorkers,
		Rate:          config.ResyncRate,
		CheckInterval: config.ResyncCheckInterval,
	}, n.nodes, states, n.locks, n.requester, n.meta)

	n.processor = mirror.NewProcessor(mirror.Config{
		NodeID:           config.NodeID,
		GroupID:          config.GroupID,
		OnForwardFailure: n.jobs.NoteForwardFailure,
	}, n.nodes, n.locks, states, n.requester)

	if config.DatagramEndpoint != "" {
		n.datagram = udp.NewEndpoint(config.Workers)
		n.receiver = ack.NewReceiver(n.acks, config.Client.Ack.DedupTTL)
		sender := ack.NewSender(n.acks, n.datagram, config.Client.Ack)
		n.reporter = consistency.NewReporter(config.NodeID, states, sender, config.Monitors, common.DefaultReportRetryWait)
	}

	if config.AdminEndpoint != "" {
		n.admin = admin.NewServer(states, n.locks, n.jobs, config.LogLevel == "debug")
	}

	n.register()
	Logger.Infof("Created node %d", config.NodeID)
	Logger.Infof("%s", config.String())
	return n, nil
}

// newPersister creates the consistency state persister selected by config
func newPersister(config common.ServerConfig) (consistency.IPersister, error) {
	switch config.StateStore {
	case common.StateStoreMemory, "":
		return consistency.NewMemoryPersister(), nil
	case common.StateStoreFile:
		if config.DataDir == "" {
			return nil, fmt.Errorf("the file state store needs a data directory")
		}
		if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return consistency.NewFilePersister(filepath.Join(config.DataDir, "states.yaml")), nil
	case common.StateStoreRaft:
		return dstore.Start(config)
	default:
		return nil, fmt.Errorf("invalid state store: %s", config.StateStore)
	}
}

// register wires all handlers into the dispatcher
func (n *Node) register() {
	d := n.dispatcher

	// mirrored metadata operations
	d.Register(msg.MsgTMkDir, mirror.Handle(n.processor, n.meta.MkDir()))
	d.Register(msg.MsgTRmDir, mirror.Handle(n.processor, n.meta.RmDir()))
	d.Register(msg.MsgTSetAttr, mirror.Handle(n.processor, n.meta.SetAttr()))
	d.Register(msg.MsgTAckNotify, n.processor.AckNotifyHandler())
	d.Register(msg.MsgTStat, n.meta.HandleStat)

	// resync traffic received as secondary
	d.Register(msg.MsgTResyncBegin, n.meta.HandleResyncBegin)
	d.Register(msg.MsgTResyncEntry, n.meta.HandleResyncEntry)
	d.Register(msg.MsgTResyncFinish, n.meta.HandleResyncFinish)

	// operator requests and state reports
	d.RegisterAdapter(NewStatesServerAdapter(n.config.NodeID, n.states, n.nodes))
	d.RegisterAdapter(NewResyncServerAdapter(n.jobs))
}

// Start starts all listeners in the background. The process wide loggers
// are set up by the caller with common.InitLoggers.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	n.stream.RegisterHandler(n.dispatcher.Handle)
	if err := n.stream.Listen(ctx, n.config.Endpoint); err != nil {
		return fmt.Errorf("failed to start stream transport: %w", err)
	}

	if n.datagram != nil {
		n.datagram.RegisterHandler(n.receiver.Wrap(n.dispatcher.Handle))
		if err := n.datagram.Listen(ctx, n.config.DatagramEndpoint); err != nil {
			return fmt.Errorf("failed to start datagram endpoint: %w", err)
		}
		n.reporter.Start(ctx)
	}

	if n.admin != nil {
		if err := n.admin.Start(n.config.AdminEndpoint); err != nil {
			return err
		}
	}
	n.jobs.StartChecker()

	Logger.Infof("Node %d serving %d message types", n.config.NodeID, len(n.dispatcher.Types()))
	return nil
}

// Serve starts the node and blocks until SIGINT or SIGTERM
func (n *Node) Serve() error {
	if err := n.Start(context.Background()); err != nil {
		_ = n.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	Logger.Infof("Received %s, shutting down", s)
	return n.Close()
}

// Close stops all listeners and jobs and releases the resources of the node
func (n *Node) Close() error {
	if n.admin != nil {
		if err := n.admin.Close(); err != nil {
			Logger.Warningf("Failed to stop admin server: %v", err)
		}
	}
	if n.reporter != nil {
		n.reporter.Close()
	}
	_ = n.jobs.Close()

	if n.cancel != nil {
		n.cancel()
	}
	if err := n.stream.Close(); err != nil {
		Logger.Warningf("Failed to stop stream transport: %v", err)
	}
	if n.datagram != nil {
		if err := n.datagram.Close(); err != nil {
			Logger.Warningf("Failed to stop datagram endpoint: %v", err)
		}
		n.receiver.Close()
	}

	if err := n.nodes.Close(); err != nil {
		Logger.Warningf("Failed to close connection pools: %v", err)
	}
	return n.states.Close()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// StreamAddr returns the bound stream address
func (n *Node) StreamAddr() net.Addr {
	return n.stream.Addr()
}

// DatagramAddr returns the bound datagram address, nil without an endpoint
func (n *Node) DatagramAddr() net.Addr {
	if n.datagram == nil {
		return nil
	}
	return n.datagram.Addr()
}

// AdminAddr returns the bound admin address, nil without an admin server
func (n *Node) AdminAddr() net.Addr {
	if n.admin == nil {
		return nil
	}
	return n.admin.Addr()
}

// States returns the consistency registry of the node
func (n *Node) States() *consistency.Registry {
	return n.states
}

// Namespace returns the metadata namespace of the node
func (n *Node) Namespace() *meta.Namespace {
	return n.meta.Namespace()
}

// Jobs returns the resync manager of the node
func (n *Node) Jobs() *resync.Manager {
	return n.jobs
}

// SeqBase returns the sequence number base the node announces to requestors
func (n *Node) SeqBase() uint64 {
	return n.processor.SeqBase()
}

// Dispatcher returns the dispatcher of the node
func (n *Node) Dispatcher() *Dispatcher {
	return n.dispatcher
}
