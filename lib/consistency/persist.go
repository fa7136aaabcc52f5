package consistency

import (
	"errors"
	"fmt"
	"github.com/goccy/go-yaml"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Memory
// --------------------------------------------------------------------------

// MemoryPersister keeps records in memory only
type MemoryPersister struct {
	mu   sync.Mutex
	recs map[TargetKey]Record
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{recs: map[TargetKey]Record{}}
}

func (p *MemoryPersister) Load() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := make([]Record, 0, len(p.recs))
	for _, rec := range p.recs {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *MemoryPersister) Save(rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[rec.Key] = rec
	return nil
}

func (p *MemoryPersister) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// File
// --------------------------------------------------------------------------

// fileRecord is the yaml representation of a Record
type fileRecord struct {
	Group    uint16 `yaml:"group"`
	Node     uint32 `yaml:"node"`
	State    string `yaml:"state"`
	LastComm string `yaml:"last_comm,omitempty"`
}

type stateFile struct {
	Targets []fileRecord `yaml:"targets"`
}

// FilePersister stores all records in one yaml file. Every Save rewrites the
// file through a temporary file and a rename, so a crash leaves either the
// old or the new version.
type FilePersister struct {
	path string
	mu   sync.Mutex
	recs map[TargetKey]Record
}

// NewFilePersister creates a persister for path. The file is created on the
// first Save.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path, recs: map[TargetKey]Record{}}
}

func (p *FilePersister) Load() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid state file %s: %w", p.path, err)
	}

	recs := make([]Record, 0, len(f.Targets))
	for _, fr := range f.Targets {
		state, err := ParseState(fr.State)
		if err != nil {
			return nil, fmt.Errorf("invalid state file %s: %w", p.path, err)
		}
		rec := Record{Key: TargetKey{GroupID: fr.Group, NodeID: fr.Node}, State: state}
		if fr.LastComm != "" {
			if rec.LastComm, err = time.Parse(time.RFC3339Nano, fr.LastComm); err != nil {
				return nil, fmt.Errorf("invalid state file %s: %w", p.path, err)
			}
		}
		p.recs[rec.Key] = rec
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *FilePersister) Save(rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, existed := p.recs[rec.Key]
	p.recs[rec.Key] = rec
	if err := p.write(); err != nil {
		// keep memory and file in sync
		if existed {
			p.recs[rec.Key] = prev
		} else {
			delete(p.recs, rec.Key)
		}
		return err
	}
	return nil
}

func (p *FilePersister) Close() error {
	return nil
}

func (p *FilePersister) write() error {
	f := stateFile{Targets: make([]fileRecord, 0, len(p.recs))}
	for _, rec := range p.recs {
		fr := fileRecord{Group: rec.Key.GroupID, Node: rec.Key.NodeID, State: rec.State.String()}
		if !rec.LastComm.IsZero() {
			fr.LastComm = rec.LastComm.UTC().Format(time.RFC3339Nano)
		}
		f.Targets = append(f.Targets, fr)
	}
	sort.Slice(f.Targets, func(i, j int) bool {
		if f.Targets[i].Group != f.Targets[j].Group {
			return f.Targets[i].Group < f.Targets[j].Group
		}
		return f.Targets[i].Node < f.Targets[j].Node
	})

	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.path)
}
