package lockstore

import (
	"cmp"
	"fmt"
	"slices"
)

// Kind is the kind of entity a lock protects. The numeric order of the
// kinds is part of the global lock order.
type Kind uint8

const (
	KindHashDir    Kind = iota // hash directory of the inode store
	KindDirID                  // a directory by id
	KindParentName             // a name within a parent directory
	KindFileID                 // a file inode by id
)

func (k Kind) String() string {
	switch k {
	case KindHashDir:
		return "hashdir"
	case KindDirID:
		return "dir"
	case KindParentName:
		return "name"
	case KindFileID:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one lockable entity. Name is only used by KindParentName.
type Key struct {
	Kind Kind
	ID   string
	Name string
}

// DirKey returns the key of a directory
func DirKey(id string) Key {
	return Key{Kind: KindDirID, ID: id}
}

// NameKey returns the key of name within the directory parentID
func NameKey(parentID, name string) Key {
	return Key{Kind: KindParentName, ID: parentID, Name: name}
}

// FileKey returns the key of a file inode
func FileKey(id string) Key {
	return Key{Kind: KindFileID, ID: id}
}

// HashDirKey returns the key of an inode hash directory
func HashDirKey(id string) Key {
	return Key{Kind: KindHashDir, ID: id}
}

func (k Key) String() string {
	if k.Kind == KindParentName {
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.ID, k.Name)
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// Compare orders keys by kind, then id, then name
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Kind, o.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ID, o.ID); c != 0 {
		return c
	}
	return cmp.Compare(k.Name, o.Name)
}

// Request is one lock requested by LockAll
type Request struct {
	Key       Key
	Exclusive bool
}

// Shared returns a shared lock request
func Shared(key Key) Request {
	return Request{Key: key}
}

// Exclusive returns an exclusive lock request
func Exclusive(key Key) Request {
	return Request{Key: key, Exclusive: true}
}

// normalize sorts reqs into the global order and merges duplicates
func normalize(reqs []Request) []Request {
	sorted := slices.Clone(reqs)
	slices.SortFunc(sorted, func(a, b Request) int {
		return a.Key.Compare(b.Key)
	})

	out := sorted[:0]
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].Key == r.Key {
			out[n-1].Exclusive = out[n-1].Exclusive || r.Exclusive
			continue
		}
		out = append(out, r)
	}
	return out
}
