package meta

import (
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"time"
)

var Logger = logger.GetLogger("meta")

// RootID is the entry id of the root directory. It exists on every node.
const RootID = "root"

// Namespace is an in-memory directory tree. It does not lock: callers hold
// the entry locks of the entries they read or modify.
type Namespace struct {
	entries  *xsync.MapOf[string, msg.EntryInfo]
	dentries *xsync.MapOf[string, *xsync.MapOf[string, string]] // parent id -> name -> entry id
}

// NewNamespace creates a namespace containing the root directory
func NewNamespace(rootMirrored bool) *Namespace {
	ns := &Namespace{
		entries:  xsync.NewMapOf[string, msg.EntryInfo](),
		dentries: xsync.NewMapOf[string, *xsync.MapOf[string, string]](),
	}
	now := time.Now().UnixNano()
	ns.entries.Store(RootID, msg.EntryInfo{
		ID:       RootID,
		Type:     msg.EntryTypeDir,
		Mode:     0755,
		Times:    msg.Timestamps{Ctime: now, Mtime: now, Atime: now},
		Mirrored: rootMirrored,
	})
	return ns
}

// Get returns the entry with the given id
func (ns *Namespace) Get(id string) (msg.EntryInfo, bool) {
	return ns.entries.Load(id)
}

// Lookup returns the entry named name in directory parentID
func (ns *Namespace) Lookup(parentID, name string) (msg.EntryInfo, bool) {
	children, ok := ns.dentries.Load(parentID)
	if !ok {
		return msg.EntryInfo{}, false
	}
	id, ok := children.Load(name)
	if !ok {
		return msg.EntryInfo{}, false
	}
	return ns.entries.Load(id)
}

// Children returns the number of entries in directory id
func (ns *Namespace) Children(id string) int {
	children, ok := ns.dentries.Load(id)
	if !ok {
		return 0
	}
	return children.Size()
}

// Len returns the number of entries including the root
func (ns *Namespace) Len() int {
	return ns.entries.Size()
}

// IDs returns all entry ids, parents before their children
func (ns *Namespace) IDs() []string {
	depth := make(map[string]int)
	ns.entries.Range(func(id string, _ msg.EntryInfo) bool {
		depth[id] = 0
		return true
	})
	for id := range depth {
		depth[id] = ns.depth(id)
	}

	ids := make([]string, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (ns *Namespace) depth(id string) int {
	d := 0
	for id != RootID && d <= ns.entries.Size() {
		e, ok := ns.entries.Load(id)
		if !ok {
			break
		}
		id = e.ParentID
		d++
	}
	return d
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Create adds the directory e below e.ParentID.
//
// If the name is taken by an entry with the same id, the call is a replay of
// an earlier create: it fails with ResultExists unless replay is set, in
// which case it succeeds without changing anything.
func (ns *Namespace) Create(e msg.EntryInfo, replay bool) msg.Result {
	parent, ok := ns.entries.Load(e.ParentID)
	if !ok {
		return msg.ResultNotFound
	}
	if parent.Type != msg.EntryTypeDir {
		return msg.ResultNotDir
	}

	children, _ := ns.dentries.LoadOrCompute(e.ParentID, func() *xsync.MapOf[string, string] {
		return xsync.NewMapOf[string, string]()
	})
	existing, loaded := children.LoadOrStore(e.Name, e.ID)
	if loaded {
		if replay && existing == e.ID {
			return msg.ResultSuccess
		}
		return msg.ResultExists
	}

	ns.entries.Store(e.ID, e)
	ns.touch(e.ParentID, e.Times.Ctime)
	return msg.ResultSuccess
}

// Remove deletes the empty directory name below parentID and sets the
// modification time of the parent to ts. With replay set a missing entry
// counts as already removed.
func (ns *Namespace) Remove(parentID, name string, ts int64, replay bool) msg.Result {
	e, ok := ns.Lookup(parentID, name)
	if !ok {
		if replay {
			return msg.ResultSuccess
		}
		return msg.ResultNotFound
	}
	if e.Type != msg.EntryTypeDir {
		return msg.ResultNotDir
	}
	if ns.Children(e.ID) > 0 {
		return msg.ResultNotEmpty
	}

	ns.unlink(e)
	ns.touch(parentID, ts)
	return msg.ResultSuccess
}

// Attrs is a set of attribute changes. Valid selects the fields to apply.
type Attrs struct {
	Valid uint32
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime int64
	Ctime int64
}

// SetAttrs applies attrs to the entry id
func (ns *Namespace) SetAttrs(id string, attrs Attrs) msg.Result {
	result := msg.ResultNotFound
	ns.entries.Compute(id, func(e msg.EntryInfo, loaded bool) (msg.EntryInfo, bool) {
		if !loaded {
			return e, true
		}
		if attrs.Valid&msg.AttrMode != 0 {
			e.Mode = attrs.Mode
		}
		if attrs.Valid&msg.AttrOwner != 0 {
			e.UID, e.GID = attrs.UID, attrs.GID
		}
		if attrs.Valid&msg.AttrMtime != 0 {
			e.Times.Mtime = attrs.Mtime
		}
		e.Times.Ctime = attrs.Ctime
		result = msg.ResultSuccess
		return e, false
	})
	return result
}

// Put stores e as it is, replacing an entry with the same id and moving it
// if its parent or name changed. Used by resync on the secondary.
func (ns *Namespace) Put(e msg.EntryInfo) {
	if e.ID == RootID {
		ns.entries.Store(RootID, e)
		return
	}

	if old, ok := ns.entries.Load(e.ID); ok && (old.ParentID != e.ParentID || old.Name != e.Name) {
		if children, ok := ns.dentries.Load(old.ParentID); ok {
			children.Compute(old.Name, func(id string, loaded bool) (string, bool) {
				return id, !loaded || id == e.ID
			})
		}
	}

	children, _ := ns.dentries.LoadOrCompute(e.ParentID, func() *xsync.MapOf[string, string] {
		return xsync.NewMapOf[string, string]()
	})
	if prev, loaded := children.LoadAndStore(e.Name, e.ID); loaded && prev != e.ID {
		// the name now belongs to e, the previous entry is dropped with its subtree
		if stale, ok := ns.entries.Load(prev); ok {
			ns.drop(stale)
		}
	}
	ns.entries.Store(e.ID, e)
}

// Prune removes every entry except the root for which keep returns false,
// together with its subtree. It returns the number of removed entries.
func (ns *Namespace) Prune(keep func(id string) bool) int {
	var stale []msg.EntryInfo
	ns.entries.Range(func(id string, e msg.EntryInfo) bool {
		if id != RootID && !keep(id) {
			stale = append(stale, e)
		}
		return true
	})

	removed := 0
	for _, e := range stale {
		removed += ns.drop(e)
	}
	return removed
}

// unlink removes e and its dentry
func (ns *Namespace) unlink(e msg.EntryInfo) {
	if children, ok := ns.dentries.Load(e.ParentID); ok {
		children.Compute(e.Name, func(id string, loaded bool) (string, bool) {
			return id, !loaded || id == e.ID
		})
	}
	ns.dentries.Delete(e.ID)
	ns.entries.Delete(e.ID)
}

// drop removes e with its subtree and returns the number of removed entries
func (ns *Namespace) drop(e msg.EntryInfo) int {
	if _, ok := ns.entries.Load(e.ID); !ok {
		return 0
	}
	n := 0
	if children, ok := ns.dentries.Load(e.ID); ok {
		var ids []string
		children.Range(func(_ string, id string) bool {
			ids = append(ids, id)
			return true
		})
		for _, id := range ids {
			if child, ok := ns.entries.Load(id); ok {
				n += ns.drop(child)
			}
		}
	}
	ns.unlink(e)
	return n + 1
}

// touch updates the modification times of a directory
func (ns *Namespace) touch(id string, ts int64) {
	ns.entries.Compute(id, func(e msg.EntryInfo, loaded bool) (msg.EntryInfo, bool) {
		if !loaded {
			return e, true
		}
		e.Times.Mtime, e.Times.Ctime = ts, ts
		return e, false
	})
}
