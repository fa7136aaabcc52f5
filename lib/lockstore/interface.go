package lockstore

// ILockStore defines the interface for entry lock providers.
type ILockStore interface {
	// Lock blocks until the lock for key is held in the requested mode.
	// The returned guard must be released exactly once; further releases are no-ops.
	Lock(key Key, exclusive bool) *Guard

	// LockAll acquires all requested locks in the global lock order.
	// Duplicate keys are merged, exclusive wins over shared.
	LockAll(reqs ...Request) *MultiGuard

	// Len returns the number of keys with at least one holder or waiter.
	Len() int

	// Keys returns the currently locked keys in lock order
	Keys() []Key
}
