package resync

import (
	"context"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"sync"
	"time"
)

var Logger = logger.GetLogger("resync")

var (
	entriesSynced = metrics.NewCounter(`bmirror_resync_entries_total`)
	autoStarted   = metrics.NewCounter(`bmirror_resync_auto_started_total`)
)

// reachTimeout bounds the reachability check of a buddy
const reachTimeout = 2 * time.Second

var (
	// ErrJobRunning is returned by Start if the group already has a running job
	ErrJobRunning = errors.New("a resync job is already running for this group")

	// ErrNotPrimary is returned for groups this node is not the primary of
	ErrNotPrimary = errors.New("node is not the primary of this group")
)

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// ISource lists the entries a job sends. It is implemented by meta.Service.
type ISource interface {
	// EntryIDs returns the ids of all entries, parents first
	EntryIDs() []string

	// Entry returns the current state of entry id. ok is false if the entry
	// was removed since it was listed; err reports a failure of the store.
	Entry(id string) (e msg.EntryInfo, ok bool, err error)

	// EntryLocks returns the locks held while the entry is read and sent
	EntryLocks(id string) []lockstore.Request
}

// IGroupResolver resolves buddy groups. It is implemented by nodes.Registry.
type IGroupResolver interface {
	Buddy(groupID uint16, self uint32) (uint32, bool)
	IsPrimary(groupID uint16, self uint32) bool
	GroupIDs() []uint16
}

// Config controls the resync jobs of a node
type Config struct {
	NodeID  uint32
	Workers int // entries sent in parallel
	Rate    int // entries per second, 0 means unlimited

	// CheckInterval is how often StartChecker checks NEEDS_RESYNC buddies,
	// 0 disables automatic resyncs
	CheckInterval time.Duration
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager runs at most one resync job per buddy group
type Manager struct {
	config    Config
	groups    IGroupResolver
	states    *consistency.Registry
	locks     lockstore.ILockStore
	requester client.IRequester
	source    ISource

	jobs *xsync.MapOf[uint16, *Job] // latest job per group, running or finished
	mu   sync.Mutex                 // serializes Start and OverrideLastComm
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
}

// NewManager creates a resync manager
func NewManager(config Config, groups IGroupResolver, states *consistency.Registry, locks lockstore.ILockStore, requester client.IRequester, source ISource) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		groups:    groups,
		states:    states,
		locks:     locks,
		requester: requester,
		source:    source,
		jobs:      xsync.NewMapOf[uint16, *Job](),
		ctx:       ctx,
		stop:      stop,
	}
}

// Start starts a resync of the secondary of groupID and returns the job.
// A GOOD or BAD secondary is marked NEEDS_RESYNC first.
func (m *Manager) Start(groupID uint16) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("resync manager is closed")
	}

	key, err := m.target(groupID)
	if err != nil {
		return nil, err
	}
	if cur, ok := m.jobs.Load(groupID); ok && cur.Status() == StatusRunning {
		return nil, fmt.Errorf("%w: job %s", ErrJobRunning, cur.ID)
	}

	if _, err := m.states.Transition(key, consistency.StateNeedsResync); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	job := &Job{
		ID:      uuid.NewString(),
		GroupID: groupID,
		Target:  key,
		Started: time.Now(),
		m:       m,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.jobs.Store(groupID, job)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		job.run(ctx)
	}()
	return job, nil
}

// Abort cancels the running job of groupID and waits for it to stop. It
// returns false if no job was running.
func (m *Manager) Abort(groupID uint16) bool {
	job, ok := m.jobs.Load(groupID)
	if !ok || job.Status() != StatusRunning {
		return false
	}
	job.cancel()
	<-job.done
	return true
}

// OverrideLastComm aborts a running job of groupID, replaces the last known
// good communication timestamp of its secondary and marks it NEEDS_RESYNC
func (m *Manager) OverrideLastComm(groupID uint16, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.target(groupID)
	if err != nil {
		return err
	}
	if m.Abort(groupID) {
		Logger.Infof("Aborted resync of group %d to override the last communication timestamp", groupID)
	}
	_, err = m.states.SetLastComm(key, ts)
	return err
}

// Job returns the latest job of groupID
func (m *Manager) Job(groupID uint16) (*Job, bool) {
	return m.jobs.Load(groupID)
}

// Jobs returns the latest job of every group ordered by group id
func (m *Manager) Jobs() []Info {
	var infos []Info
	m.jobs.Range(func(_ uint16, j *Job) bool {
		infos = append(infos, j.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].GroupID < infos[j].GroupID })
	return infos
}

// StartChecker periodically runs CheckBuddies until Close. It does nothing
// if Config.CheckInterval is 0.
func (m *Manager) StartChecker() {
	if m.config.CheckInterval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.CheckBuddies(m.ctx)
			}
		}
	}()
}

// CheckBuddies starts a job for every group this node is the primary of
// whose secondary is NEEDS_RESYNC, has no running job and answers a state query.
// BAD secondaries are left to the operator. It returns the started jobs.
func (m *Manager) CheckBuddies(ctx context.Context) []*Job {
	var started []*Job
	for _, groupID := range m.groups.GroupIDs() {
		key, err := m.target(groupID)
		if err != nil || m.states.State(key) != consistency.StateNeedsResync {
			continue
		}
		if cur, ok := m.jobs.Load(groupID); ok && cur.Status() == StatusRunning {
			continue
		}
		if err := m.reach(ctx, key.NodeID); err != nil {
			Logger.Debugf("Buddy %s needs a resync but is unreachable: %v", key, err)
			continue
		}

		job, err := m.Start(groupID)
		if err != nil {
			if !errors.Is(err, ErrJobRunning) {
				Logger.Warningf("Failed to start resync of group %d: %v", groupID, err)
			}
			continue
		}
		autoStarted.Inc()
		Logger.Infof("Buddy %s is reachable, started resync job %s", key, job.ID)
		started = append(started, job)
	}
	return started
}

// reach sends a single state query to nodeID
func (m *Manager) reach(ctx context.Context, nodeID uint32) error {
	ctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()
	_, err := m.requester.RequestResponse(ctx, nodeID, &msg.GetTargetStates{}, msg.MsgTGetTargetStatesResp, client.WithRetries(1))
	return err
}

// NoteForwardFailure is called when forwarding to key failed. A job running
// for that target cannot make it GOOD anymore.
func (m *Manager) NoteForwardFailure(key consistency.TargetKey) {
	if job, ok := m.jobs.Load(key.GroupID); ok && job.Target == key && job.Status() == StatusRunning {
		job.missed.Store(true)
	}
}

// Close aborts all jobs and waits for them
func (m *Manager) Close() error {
	m.stop()
	m.wg.Wait()
	return nil
}

// target returns the secondary of groupID if this node is its primary
func (m *Manager) target(groupID uint16) (consistency.TargetKey, error) {
	if !m.groups.IsPrimary(groupID, m.config.NodeID) {
		return consistency.TargetKey{}, fmt.Errorf("%w: node %d, group %d", ErrNotPrimary, m.config.NodeID, groupID)
	}
	buddy, ok := m.groups.Buddy(groupID, m.config.NodeID)
	if !ok {
		return consistency.TargetKey{}, fmt.Errorf("group %d has no secondary", groupID)
	}
	return consistency.TargetKey{GroupID: groupID, NodeID: buddy}, nil
}
