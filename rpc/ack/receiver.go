package ack

import (
	"context"
	"github.com/ReneKroon/ttlcache"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"sync"
	"time"
)

// Receiver handles the acknowledgement side of an endpoint:
//   - inbound Ack messages resolve the wait entries of the local Store,
//   - inbound messages carrying an ack-ID are processed at most once per
//     (sender, ack-ID) and are always answered with an Ack.
type Receiver struct {
	store *Store
	seen  *ttlcache.Cache
	mu    sync.Mutex // makes the check-and-set on seen atomic
}

// NewReceiver creates a receiver that remembers processed ack-IDs for ttl
func NewReceiver(store *Store, ttl time.Duration) *Receiver {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)
	return &Receiver{store: store, seen: c}
}

// Close stops the expiration of the dedup cache
func (r *Receiver) Close() {
	r.seen.Close()
}

// Wrap returns a handler that applies the acknowledgement rules before
// calling inner
func (r *Receiver) Wrap(inner transport.ServerHandleFunc) transport.ServerHandleFunc {
	return func(ctx context.Context, req *transport.Request) {
		if a, ok := req.Msg.(*msg.Ack); ok {
			if !r.store.Resolve(a.ID) {
				Logger.Debugf("Ack %s from %s has no waiting sender", a.ID, req.Peer)
			}
			return
		}

		h := req.Msg.Header()
		if !h.Flags.Has(msg.FlagHasAckID) {
			inner(ctx, req)
			return
		}

		if r.firstDelivery(req.Peer + "/" + h.AckID) {
			inner(ctx, req)
		} else {
			Logger.Debugf("Duplicate %s (%s) from %s", req.Msg.Type(), h.AckID, req.Peer)
		}

		if err := req.Reply(&msg.Ack{ID: h.AckID}); err != nil {
			Logger.Warningf("Failed to ack %s to %s: %v", h.AckID, req.Peer, err)
		}
	}
}

// firstDelivery records key and reports whether it was seen for the first time
func (r *Receiver) firstDelivery(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen.Get(key); ok {
		return false
	}
	r.seen.Set(key, true)
	return true
}
