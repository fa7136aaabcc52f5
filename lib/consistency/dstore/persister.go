package dstore

import (
	"context"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency/dstore/internal"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"time"
)

var (
	retries = 5
	log     = logger.GetLogger("consistency/dstore")
)

// Persister stores consistency records in a raft replicated state machine.
// It implements consistency.IPersister.
type Persister struct {
	nh      *dragonboat.NodeHost
	ownsNH  bool
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewPersister creates a persister on an already running shard of nh
func NewPersister(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Persister {
	return &Persister{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// Start creates a NodeHost from config, joins the state shard and returns a
// persister owning the NodeHost
func Start(config common.ServerConfig) (*Persister, error) {
	nh, err := dragonboat.NewNodeHost(config.ToNodeHostConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create node host: %w", err)
	}

	if err := nh.StartConcurrentReplica(config.ClusterMembers, false, CreateStateMachineFactory(), config.ToDragonboatConfig(config.StateShardID)); err != nil {
		nh.Close()
		return nil, fmt.Errorf("failed to start state shard %d: %w", config.StateShardID, err)
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := NewPersister(nh, config.StateShardID, timeout)
	p.ownsNH = true
	return p, nil
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// retryable reports whether a dragonboat error is temporary
func retryable(err error) bool {
	return errors.Is(err, dragonboat.ErrSystemBusy) ||
		errors.Is(err, dragonboat.ErrShardNotReady) ||
		errors.Is(err, dragonboat.ErrTimeout)
}

// write proposes a Command via SyncPropose
func (p *Persister) write(cmd internal.Command) error {
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		res, err := p.nh.SyncPropose(ctx, p.cs, cmd.Serialize())
		cancel()

		if retryable(err) {
			log.Infof("SyncPropose: %v, retrying (%d/%d)...", err, i+1, retries)
			time.Sleep(p.timeout / 10)
			continue
		}
		if err != nil {
			return err
		}
		if res.Value != resultSuccess {
			return fmt.Errorf("state machine rejected %s: %s", cmd.Type, res.Data)
		}
		return nil
	}
	return fmt.Errorf("%s on shard %d timed out", cmd.Type, p.shardID)
}

// read queries the state machine and converts the response into R
func read[R any](p *Persister, q internal.Query) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		res, err := p.nh.SyncRead(ctx, p.shardID, q)
		cancel()

		if retryable(err) {
			log.Infof("SyncRead: %v, retrying (%d/%d)...", err, i+1, retries)
			time.Sleep(p.timeout / 10)
			continue
		}
		if err != nil {
			return zero, err
		}

		casted, ok := res.(R)
		if !ok {
			return zero, fmt.Errorf("unexpected type: received %T, expected %T", res, zero)
		}
		return casted, nil
	}
	return zero, fmt.Errorf("%s on shard %d timed out", q.Type, p.shardID)
}

// --------------------------------------------------------------------------
// Interface Methods (docs see consistency.IPersister)
// --------------------------------------------------------------------------

func (p *Persister) Load() ([]consistency.Record, error) {
	return read[[]consistency.Record](p, internal.Query{Type: internal.QueryTAll})
}

func (p *Persister) Save(rec consistency.Record) error {
	w := rec.ToWire()
	return p.write(internal.Command{
		Type:     internal.CommandTSave,
		GroupID:  w.GroupID,
		NodeID:   w.NodeID,
		State:    w.State,
		LastComm: w.LastComm,
	})
}

// Delete removes the record of key
func (p *Persister) Delete(key consistency.TargetKey) error {
	return p.write(internal.Command{
		Type:    internal.CommandTDelete,
		GroupID: key.GroupID,
		NodeID:  key.NodeID,
	})
}

func (p *Persister) Close() error {
	if p.ownsNH {
		p.nh.Close()
	}
	return nil
}
