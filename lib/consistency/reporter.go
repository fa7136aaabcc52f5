package consistency

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/ack"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"sync"
	"time"
)

// Reporter pushes the local consistency states to the monitors whenever a
// local transition happens. Delivery is acknowledged; monitors that did not
// ack are retried every retryWait until they do or a newer report replaces
// the pending one.
type Reporter struct {
	reporterID uint32
	registry   *Registry
	sender     *ack.Sender
	monitors   []string
	retryWait  time.Duration

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReporter creates a reporter for the datagram addresses in monitors
func NewReporter(reporterID uint32, registry *Registry, sender *ack.Sender, monitors []string, retryWait time.Duration) *Reporter {
	return &Reporter{
		reporterID: reporterID,
		registry:   registry,
		sender:     sender,
		monitors:   monitors,
		retryWait:  retryWait,
		trigger:    make(chan struct{}, 1),
	}
}

// Start subscribes to the registry and starts the report loop. An initial
// report is sent right away.
func (r *Reporter) Start(ctx context.Context) {
	if len(r.monitors) == 0 {
		return
	}
	r.registry.Subscribe(func(tr Transition) {
		if !tr.Remote {
			r.Trigger()
		}
	})

	ctx, r.cancel = context.WithCancel(ctx)
	r.Trigger()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

// Trigger schedules a report
func (r *Reporter) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Close stops the report loop
func (r *Reporter) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		}

		pending := r.monitors
		for len(pending) > 0 {
			pending = r.report(ctx, pending)
			if len(pending) == 0 {
				break
			}

			Logger.Warningf("State report not acknowledged by %v, retrying in %s", pending, r.retryWait)
			select {
			case <-ctx.Done():
				return
			case <-r.trigger:
				pending = r.monitors
			case <-time.After(r.retryWait):
			}
		}
	}
}

// report sends the current states to monitors and returns those that did not ack
func (r *Reporter) report(ctx context.Context, monitors []string) []string {
	recs := r.registry.Snapshot()
	states := make([]msg.TargetState, len(recs))
	for i, rec := range recs {
		states[i] = rec.ToWire()
	}

	var failed []string
	for _, addr := range monitors {
		m := &msg.TargetStatesNotify{ReporterID: r.reporterID, States: states}
		if err := r.sender.Send(ctx, addr, m); err != nil {
			Logger.Debugf("Reporting states to %s failed: %v", addr, err)
			failed = append(failed, addr)
			continue
		}
		Logger.Debugf("Reported %d states to %s", len(states), addr)
	}
	return failed
}
