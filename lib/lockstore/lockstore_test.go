package lockstore

import (
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// returnsWithin reports whether fn returns within d
func returnsWithin(d time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func TestExclusiveBlocks(t *testing.T) {
	s := NewLockStore()
	key := DirKey("root")

	g := s.Lock(key, true)

	var second *Guard
	acquired := make(chan struct{})
	go func() {
		second = s.Lock(key, true)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock not acquired after release")
	}

	second.Release()
	require.Equal(t, 0, s.Len())
}

func TestSharedLocks(t *testing.T) {
	s := NewLockStore()
	key := FileKey("f1")

	g1 := s.Lock(key, false)
	var g2 *Guard
	require.True(t, returnsWithin(time.Second, func() { g2 = s.Lock(key, false) }), "shared locks must not block each other")
	require.Equal(t, 1, s.Len())

	require.False(t, returnsWithin(50*time.Millisecond, func() {
		g := s.Lock(key, true)
		g.Release()
	}), "exclusive lock acquired while shared locks are held")

	g1.Release()
	g2.Release()

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReleaseIdempotent(t *testing.T) {
	s := NewLockStore()
	key := NameKey("p", "a")

	g := s.Lock(key, false)
	other := s.Lock(key, false)
	g.Release()
	g.Release()
	require.Equal(t, 1, s.Len(), "double release must not drop the other holder")

	other.Release()
	require.Equal(t, 0, s.Len())

	m := s.LockAll(Exclusive(key))
	m.Release()
	m.Release()
	require.Equal(t, 0, s.Len())
}

func TestLockOrder(t *testing.T) {
	tests := []struct {
		name string
		reqs []Request
		want []Request
	}{
		{
			name: "kinds",
			reqs: []Request{Shared(FileKey("a")), Shared(NameKey("p", "x")), Shared(DirKey("p")), Shared(HashDirKey("1"))},
			want: []Request{Shared(HashDirKey("1")), Shared(DirKey("p")), Shared(NameKey("p", "x")), Shared(FileKey("a"))},
		},
		{
			name: "ids and names",
			reqs: []Request{Shared(NameKey("p", "b")), Shared(NameKey("p", "a")), Shared(DirKey("z")), Shared(DirKey("b"))},
			want: []Request{Shared(DirKey("b")), Shared(DirKey("z")), Shared(NameKey("p", "a")), Shared(NameKey("p", "b"))},
		},
		{
			name: "merge exclusive wins",
			reqs: []Request{Shared(DirKey("p")), Exclusive(DirKey("p")), Shared(DirKey("p"))},
			want: []Request{Exclusive(DirKey("p"))},
		},
		{
			name: "empty",
			reqs: nil,
			want: []Request{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalize(tt.reqs)
			if len(tt.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLockAllKeys(t *testing.T) {
	s := NewLockStore()

	m := s.LockAll(Shared(FileKey("f")), Exclusive(NameKey("d", "n")), Shared(DirKey("d")))
	require.Equal(t, []Key{DirKey("d"), NameKey("d", "n"), FileKey("f")}, m.Keys())
	require.Equal(t, m.Keys(), s.Keys())
	require.Equal(t, 3, s.Len())

	m.Release()
	require.Equal(t, 0, s.Len())
	require.Empty(t, s.Keys())
}

// Opposite request orders must not deadlock
func TestLockAllNoDeadlock(t *testing.T) {
	s := NewLockStore()
	a, b := DirKey("a"), DirKey("b")

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				var m *MultiGuard
				if i%2 == 0 {
					m = s.LockAll(Exclusive(a), Exclusive(b))
				} else {
					m = s.LockAll(Exclusive(b), Exclusive(a))
				}
				counter.Add(1)
				m.Release()
			}
		}(i)
	}

	require.True(t, returnsWithin(10*time.Second, wg.Wait), "deadlock")
	require.Equal(t, int64(8*200), counter.Load())
	require.Equal(t, 0, s.Len())
}

// Exclusive holders of the same key never overlap
func TestMutualExclusion(t *testing.T) {
	s := NewLockStore()
	key := NameKey("root", "dir")

	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g := s.Lock(key, true)
				if inside.Add(1) != 1 {
					violations.Add(1)
				}
				inside.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	require.Zero(t, violations.Load())
	require.Equal(t, 0, s.Len())
}
