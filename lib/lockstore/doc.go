// Package lockstore implements the in-process entry locks that serialize
// concurrent metadata operations on the same directories, names and files.
//
// Every key maps to a reader/writer lock that exists only while it has
// holders or waiters. Entries are reference counted inside the concurrent
// map, so creating, sharing and removing an entry is atomic with respect to
// other lockers of the same key.
//
// Lock Order:
//
//	Operations needing several locks acquire them with LockAll, which sorts
//	the requests into one global order: first by kind (hash dir, dir id,
//	parent/name, file id), then by id, then by name. Duplicate keys are
//	merged, exclusive wins. Two operations locking overlapping sets therefore
//	never wait for each other in a cycle. Locks are released in reverse order.
//
// Usage Example:
//
//	locks := lockstore.NewLockStore()
//
//	g := locks.LockAll(
//	    lockstore.Exclusive(lockstore.NameKey(parentID, name)),
//	    lockstore.Shared(lockstore.DirKey(parentID)),
//	)
//	defer g.Release()
//
// Mirrored operations keep their locks across local execution and the round
// trip to the secondary, so the buddy observes mutations in the same order.
package lockstore
