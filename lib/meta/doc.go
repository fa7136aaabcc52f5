// Package meta is the metadata service served by every node: an in-memory
// directory namespace and the operations clients run on it.
//
// MkDir, RmDir and SetAttr are mirrored operations (see package mirror). On
// the primary they compute the values that must be identical on both nodes
// (entry ids, timestamps) and store them in the request, so the forwarded
// copy applies exactly the same mutation. Replaying a forwarded copy on the
// secondary is idempotent: creating an entry that already exists with the
// same id succeeds, removing a missing entry succeeds.
//
// Stat is a local read and is never forwarded.
//
// The Service is also both ends of a resync: on the primary it lists the
// entries to send (EntryIDs, Entry, EntryLocks), on the secondary it stores
// them (HandleResyncBegin, HandleResyncEntry) and removes everything the job
// did not send once it finishes (HandleResyncFinish).
//
// Usage Example:
//
//	ns := meta.NewNamespace(true)
//	svc := meta.NewService(ns, locks)
//	dispatcher.Register(msg.MsgTMkDir, mirror.Handle[*msg.MkDir](processor, svc.MkDir()))
//	dispatcher.Register(msg.MsgTStat, svc.HandleStat)
package meta
