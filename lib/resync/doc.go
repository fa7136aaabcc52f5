// Package resync brings the secondary of a buddy group back in sync with its
// primary after it missed mirrored operations.
//
// A Job runs on the primary:
//
//  1. ResyncBegin opens the job on the secondary.
//  2. Every entry of the local source is read and sent as ResyncEntry while
//     its entry locks are held, so a concurrent mirrored operation is either
//     contained in the sent entry or forwarded after it. Entries are sent by
//     a bounded errgroup and throttled by a token bucket (Config.Workers,
//     Config.Rate).
//  3. ResyncFinish makes the secondary remove every entry the job did not
//     send and did not receive through forwarding while the job ran.
//
// Outcomes:
//
//	succeeded  the secondary is marked GOOD
//	failed     communication failed or a forward failed during the job,
//	           the secondary stays NEEDS_RESYNC
//	aborted    cancelled by Abort or OverrideLastComm, stays NEEDS_RESYNC
//	broken     the local source failed, the secondary is marked BAD
//
// The Manager keeps at most one running job per group. Starting a job on a
// GOOD or BAD secondary marks it NEEDS_RESYNC first.
//
// Usage Example:
//
//	m := resync.NewManager(resync.Config{NodeID: 1, Workers: 8, Rate: 1000},
//	    nodes, states, locks, requester, metaService)
//	job, err := m.Start(groupID)
//	if err != nil {
//	    return err
//	}
//	<-job.Done()
//	fmt.Println(job.Info().Status)
package resync
