package resync

import (
	"context"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the progress of a job
type Status uint8

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed  // communication with the secondary failed, it stays NEEDS_RESYNC
	StatusAborted // cancelled by an operator
	StatusBroken  // the local source failed, the secondary is BAD
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	case StatusBroken:
		return "broken"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// errLocal marks failures of the local source
var errLocal = errors.New("local source failed")

// Job copies the entries of the primary to the secondary of one buddy group
type Job struct {
	ID      string
	GroupID uint16
	Target  consistency.TargetKey
	Started time.Time

	m      *Manager
	cancel context.CancelFunc
	done   chan struct{}

	synced atomic.Uint64
	missed atomic.Bool // a forward to the secondary failed while the job ran

	mu     sync.Mutex
	status Status
	err    error
	pruned uint64
}

// Done is closed when the job has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Synced returns the number of entries sent so far
func (j *Job) Synced() uint64 {
	return j.synced.Load()
}

// Info is a point in time view of a job
type Info struct {
	ID      string    `json:"id" yaml:"id"`
	GroupID uint16    `json:"group" yaml:"group"`
	NodeID  uint32    `json:"node" yaml:"node"`
	Status  string    `json:"status" yaml:"status"`
	Synced  uint64    `json:"synced" yaml:"synced"`
	Pruned  uint64    `json:"pruned" yaml:"pruned"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
	Started time.Time `json:"started" yaml:"started"`
}

// Status returns the current status of the job
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the error a job failed with
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Info returns a snapshot of the job
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := Info{
		ID:      j.ID,
		GroupID: j.GroupID,
		NodeID:  j.Target.NodeID,
		Status:  j.status.String(),
		Synced:  j.synced.Load(),
		Pruned:  j.pruned,
		Started: j.Started,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

func (j *Job) finish(status Status, err error) {
	j.mu.Lock()
	j.status, j.err = status, err
	j.mu.Unlock()
	metrics.GetOrCreateCounter(fmt.Sprintf(`bmirror_resync_jobs_total{status=%q}`, status)).Inc()
}

// run executes the job and records its outcome in the consistency registry
func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	Logger.Infof("Resync job %s of group %d to node %d started", j.ID, j.GroupID, j.Target.NodeID)

	err := j.transfer(ctx)
	states := j.m.states

	switch {
	case err == nil && j.missed.Load():
		// the secondary missed an operation the job may already have passed
		missed := fmt.Errorf("forwarding to node %d failed while the job ran", j.Target.NodeID)
		j.finish(StatusFailed, missed)
		Logger.Warningf("Resync job %s: %v, a new job is needed", j.ID, missed)

	case err == nil:
		if _, cerr := states.CompleteResync(j.Target); cerr != nil {
			j.finish(StatusFailed, cerr)
			Logger.Errorf("Resync job %s could not complete: %v", j.ID, cerr)
			return
		}
		// raced with a failing forward
		if j.missed.Load() {
			if _, derr := states.Degrade(j.Target); derr != nil {
				Logger.Errorf("Resync job %s: failed to persist degraded state: %v", j.ID, derr)
			}
			j.finish(StatusFailed, fmt.Errorf("forwarding to node %d failed while the job completed", j.Target.NodeID))
			return
		}
		j.finish(StatusSucceeded, nil)
		Logger.Infof("Resync job %s finished, %d entries synced", j.ID, j.Synced())

	case errors.Is(err, errLocal):
		if _, terr := states.Transition(j.Target, consistency.StateBad); terr != nil {
			Logger.Errorf("Resync job %s: failed to mark node %d bad: %v", j.ID, j.Target.NodeID, terr)
		}
		j.finish(StatusBroken, err)
		Logger.Errorf("Resync job %s failed: %v", j.ID, err)

	case ctx.Err() != nil:
		j.finish(StatusAborted, ctx.Err())
		Logger.Infof("Resync job %s aborted after %d entries", j.ID, j.Synced())

	default:
		j.finish(StatusFailed, err)
		Logger.Warningf("Resync job %s failed: %v", j.ID, err)
	}
}

// transfer sends ResyncBegin, all entries and ResyncFinish
func (j *Job) transfer(ctx context.Context) error {
	if err := j.send(ctx, &msg.ResyncBegin{GroupID: j.GroupID, JobID: j.ID}); err != nil {
		return err
	}

	limit := rate.Inf
	if j.m.config.Rate > 0 {
		limit = rate.Limit(j.m.config.Rate)
	}
	limiter := rate.NewLimiter(limit, max(1, j.m.config.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, j.m.config.Workers))

	for _, id := range j.m.source.EntryIDs() {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		id := id
		g.Go(func() error {
			return j.syncEntry(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := j.m.requester.RequestResponse(ctx, j.Target.NodeID, &msg.ResyncFinish{JobID: j.ID}, msg.MsgTResyncResp)
	if err != nil {
		return err
	}
	r := resp.(*msg.ResyncResp)
	if r.Result != msg.ResultSuccess {
		return common.NewError(common.ErrCApplication, "node %d rejected %s: %s", j.Target.NodeID, msg.MsgTResyncFinish, r.Result)
	}

	j.mu.Lock()
	j.pruned = r.Count
	j.mu.Unlock()
	return nil
}

// syncEntry sends one entry while holding its locks, so no mirrored
// operation changes it between reading and sending
func (j *Job) syncEntry(ctx context.Context, id string) error {
	guard := j.m.locks.LockAll(j.m.source.EntryLocks(id)...)
	defer guard.Release()

	e, ok, err := j.m.source.Entry(id)
	if err != nil {
		return fmt.Errorf("%w: entry %s: %v", errLocal, id, err)
	}
	if !ok {
		// removed since the listing, the removal was forwarded
		return nil
	}

	if err := j.send(ctx, &msg.ResyncEntry{JobID: j.ID, Entry: e}); err != nil {
		return err
	}
	j.synced.Add(1)
	entriesSynced.Inc()
	return nil
}

func (j *Job) send(ctx context.Context, m msg.Message) error {
	resp, err := j.m.requester.RequestResponse(ctx, j.Target.NodeID, m, msg.MsgTResyncResp)
	if err != nil {
		return err
	}
	if r := resp.(*msg.ResyncResp); r.Result != msg.ResultSuccess {
		return common.NewError(common.ErrCApplication, "node %d rejected %s: %s", j.Target.NodeID, m.Type(), r.Result)
	}
	return nil
}
