package monitor

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/pattern"
)

// scope holds the live watch targets and their compiled filters. It decides
// which target, if any, covers a given path.
type scope struct {
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[string]scopedTarget
}

type scopedTarget struct {
	target model.WatchTarget
	filter *pattern.Filter
}

// coverage describes the target that covers a path.
type coverage struct {
	filter    *pattern.Filter
	recursive bool
	include   []string
	exclude   []string
}

func newScope(logger *slog.Logger) *scope {
	return &scope{logger: logger, targets: make(map[string]scopedTarget)}
}

// put stores t, compiling its patterns. It reports whether a target for the
// same path already existed. Bad patterns are logged; they never match.
func (s *scope) put(t model.WatchTarget) bool {
	f, err := pattern.Compile(t.Include, t.Exclude)
	if err != nil {
		s.logger.Warn("monitor: invalid pattern in target",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.targets[t.Path]
	s.targets[t.Path] = scopedTarget{target: t, filter: f}
	return existed
}

// putIfAbsent stores t unless a target for its path exists. It reports
// whether t was stored.
func (s *scope) putIfAbsent(t model.WatchTarget) bool {
	f, err := pattern.Compile(t.Include, t.Exclude)
	if err != nil {
		s.logger.Warn("monitor: invalid pattern in target",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.Path]; ok {
		return false
	}
	s.targets[t.Path] = scopedTarget{target: t, filter: f}
	return true
}

func (s *scope) get(path string) (model.WatchTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.targets[path]
	return st.target, ok
}

func (s *scope) remove(path string) {
	s.mu.Lock()
	delete(s.targets, path)
	s.mu.Unlock()
}

// removeUnder drops every target at or below root and returns how many were
// removed.
func (s *scope) removeUnder(root string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.targets {
		if model.IsUnder(root, p) {
			delete(s.targets, p)
			n++
		}
	}
	return n
}

// detach drops every target at or below root. It returns, in lexical order,
// the topmost removed DIRECTORY targets that sit below a recursive DIRECTORY
// target.
func (s *scope) detach(root string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var under []string
	for p := range s.targets {
		if model.IsUnder(root, p) {
			under = append(under, p)
		}
	}
	sort.Strings(under)

	var implied []string
	for _, p := range under {
		if n := len(implied); n > 0 && model.IsUnder(implied[n-1], p) {
			continue
		}
		if s.targets[p].target.Kind == model.PathKindDirectory && s.recursiveAncestor(p) {
			implied = append(implied, p)
		}
	}
	for _, p := range under {
		delete(s.targets, p)
	}
	return implied
}

// recursiveAncestor reports whether a strict ancestor of path is a recursive
// DIRECTORY target. The caller holds s.mu.
func (s *scope) recursiveAncestor(path string) bool {
	for dir := filepath.Dir(path); dir != path; path, dir = dir, filepath.Dir(dir) {
		if st, ok := s.targets[dir]; ok && st.target.Kind == model.PathKindDirectory && st.target.Recursive {
			return true
		}
	}
	return false
}

// lookup returns the coverage for path: its own FILE target, otherwise the
// DIRECTORY target of its parent. A DIRECTORY target also covers events
// about itself (its own deletion or attribute change) with no filter.
func (s *scope) lookup(path string) (coverage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.targets[path]; ok && st.target.Kind == model.PathKindFile {
		return st.coverage(), true
	}
	if st, ok := s.targets[filepath.Dir(path)]; ok && st.target.Kind == model.PathKindDirectory {
		return st.coverage(), true
	}
	if st, ok := s.targets[path]; ok && st.target.Kind == model.PathKindDirectory {
		return coverage{recursive: st.target.Recursive, include: st.target.Include, exclude: st.target.Exclude}, true
	}
	return coverage{}, false
}

// needsDirectory reports whether any remaining target requires dir to stay
// watched.
func (s *scope) needsDirectory(dir string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.targets[dir]; ok && st.target.Kind == model.PathKindDirectory {
		return true
	}
	for p, st := range s.targets {
		if st.target.Kind == model.PathKindFile && filepath.Dir(p) == dir {
			return true
		}
	}
	return false
}

func (s *scope) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

func (s *scope) list() []model.WatchTarget {
	s.mu.RLock()
	out := make([]model.WatchTarget, 0, len(s.targets))
	for _, st := range s.targets {
		out = append(out, st.target)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *scope) clear() {
	s.mu.Lock()
	clear(s.targets)
	s.mu.Unlock()
}

func (st scopedTarget) coverage() coverage {
	return coverage{
		filter:    st.filter,
		recursive: st.target.Recursive,
		include:   st.target.Include,
		exclude:   st.target.Exclude,
	}
}
