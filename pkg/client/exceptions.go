package client

import (
	"sort"
	"sync"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// ExceptionSet names variables that never leave the client. A name covers
// the variable itself and everything below it. It is consulted only when
// computing outbound diffs; inbound updates are always applied.
type ExceptionSet struct {
	lock  sync.RWMutex
	names map[string]tree.Path
}

func NewExceptionSet(names ...string) (*ExceptionSet, error) {
	s := &ExceptionSet{names: make(map[string]tree.Path)}
	for _, name := range names {
		if err := s.Register(name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a variable name such as connectionId or $users[bob].draft.
func (s *ExceptionSet) Register(name string) error {
	path, err := tree.ParsePath(name)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.names[path.String()] = path
	return nil
}

// Contains reports whether the variable at path is excluded, either by name
// or because an ancestor is.
func (s *ExceptionSet) Contains(path string) bool {
	p, err := tree.ParsePath(path)
	if err != nil {
		return false
	}
	return s.containsPath(p)
}

func (s *ExceptionSet) containsPath(p tree.Path) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, excluded := range s.names {
		if p.HasPrefix(excluded) {
			return true
		}
	}
	return false
}

// Names returns the registered names in canonical form.
func (s *ExceptionSet) Names() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Strip returns diff without the excluded variables. Objects emptied by the
// removal are dropped as well.
func (s *ExceptionSet) Strip(diff tree.Value) tree.Value {
	if s == nil {
		return diff
	}
	s.lock.RLock()
	empty := len(s.names) == 0
	s.lock.RUnlock()
	if empty {
		return diff
	}
	return s.strip(diff, nil)
}

func (s *ExceptionSet) strip(v tree.Value, prefix tree.Path) tree.Value {
	out := v
	for _, key := range v.Keys() {
		child, _ := v.Field(key)
		path := append(prefix[:len(prefix):len(prefix)], tree.Segment{Key: key})
		if s.containsPath(path) {
			out = out.Without(key)
			continue
		}
		if child.Kind() != tree.KindObject || child.Len() == 0 {
			continue
		}
		stripped := s.strip(child, path)
		if stripped.Len() == 0 {
			out = out.Without(key)
		} else {
			out = out.With(key, stripped)
		}
	}
	return out
}
