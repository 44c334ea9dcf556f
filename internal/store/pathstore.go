package store

import (
	"fmt"
	"iter"
	"math"
)

// Path is one interned AS path. Data is the opaque wire representation of the
// path segments; the store never inspects it. IsCore marks paths the upstream
// store keeps a dedicated representation for; it is a transport hint carried
// faithfully through the codec.
type Path struct {
	Idx    uint32
	IsCore bool
	Data   []byte
}

// PathStore interns variable-length path byte strings to compact 32-bit
// indices. Indices are assigned from a monotonic counter starting at 0 and
// are stable for the store's lifetime.
type PathStore struct {
	byData map[string]uint32
	paths  []Path
}

func NewPathStore() *PathStore {
	return &PathStore{byData: make(map[string]uint32)}
}

// Intern adds a path to the store, or returns the existing index if the same
// bytes were interned before. The bytes are copied; the caller's buffer may
// be reused. Interning the same bytes again keeps the original IsCore flag
// regardless of the argument.
func (s *PathStore) Intern(data []byte, isCore bool) (idx uint32, inserted bool, err error) {
	if idx, ok := s.byData[string(data)]; ok {
		return idx, false, nil
	}
	if len(s.paths) > math.MaxUint32 {
		return 0, false, fmt.Errorf("store: path store: %w", ErrStoreFull)
	}
	idx = uint32(len(s.paths))
	owned := make([]byte, len(data))
	copy(owned, data)
	s.byData[string(owned)] = idx
	s.paths = append(s.paths, Path{Idx: idx, IsCore: isCore, Data: owned})
	return idx, true, nil
}

// Get resolves an index to its path.
func (s *PathStore) Get(idx uint32) (Path, bool) {
	if int(idx) >= len(s.paths) {
		return Path{}, false
	}
	return s.paths[idx], true
}

// Len reports the number of interned paths.
func (s *PathStore) Len() int {
	return len(s.paths)
}

// All iterates the interned paths. The order is stable between mutations.
func (s *PathStore) All() iter.Seq[Path] {
	return func(yield func(Path) bool) {
		for _, p := range s.paths {
			if !yield(p) {
				return
			}
		}
	}
}
