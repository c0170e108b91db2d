// Package pattern evaluates include/exclude glob patterns against file names.
//
// Patterns use shell-style wildcards: '*' matches any run of characters, '?'
// matches exactly one character, and every other character (including '.',
// '[', '{' and '\') matches itself. Matching is anchored to the whole name.
// Patterns are compiled without separators, so '*' also spans characters
// such as '/'; the filter is only ever applied to base names.
//
// A comma separates entries in the stored form, so a pattern containing one
// is rejected.
package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter is a compiled include/exclude pattern set. It is immutable and safe
// for concurrent use. A nil *Filter accepts every name.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob

	// includeCount is the number of include patterns supplied, including
	// those that failed to compile. A bad include pattern still makes the
	// include list non-empty so that evaluation fails closed.
	includeCount int

	rawInclude []string
	rawExclude []string
}

// Compile builds a Filter from the given pattern lists. Entries are trimmed
// and blank entries are ignored. A pattern that cannot be compiled never
// matches; Compile still returns a usable Filter together with an error that
// names every rejected pattern.
func Compile(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	var errs []error

	for _, p := range clean(include) {
		f.rawInclude = append(f.rawInclude, p)
		f.includeCount++
		g, err := compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern: include %q: %w", p, err))
			continue
		}
		f.include = append(f.include, g)
	}
	for _, p := range clean(exclude) {
		f.rawExclude = append(f.rawExclude, p)
		g, err := compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern: exclude %q: %w", p, err))
			continue
		}
		f.exclude = append(f.exclude, g)
	}

	return f, errors.Join(errs...)
}

var errComma = errors.New("comma is the list separator")

// compile quotes every run between wildcards so that gobwas/glob sees only
// '*' and '?' as syntax.
func compile(p string) (glob.Glob, error) {
	if strings.ContainsRune(p, ',') {
		return nil, errComma
	}
	var b strings.Builder
	start := 0
	for i := 0; i < len(p); i++ {
		if c := p[i]; c == '*' || c == '?' {
			b.WriteString(glob.QuoteMeta(p[start:i]))
			b.WriteByte(c)
			start = i + 1
		}
	}
	b.WriteString(glob.QuoteMeta(p[start:]))
	return glob.Compile(b.String())
}

// Parse compiles a Filter from the comma-separated form used by the
// configuration store.
func Parse(includeCSV, excludeCSV string) (*Filter, error) {
	return Compile(Split(includeCSV), Split(excludeCSV))
}

// Match reports whether name passes the filter. Exclusions are evaluated
// first; an empty include list accepts everything not excluded.
func (f *Filter) Match(name string) bool {
	if f == nil {
		return true
	}
	for _, g := range f.exclude {
		if g.Match(name) {
			return false
		}
	}
	if f.includeCount == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Include returns the include patterns as supplied (trimmed).
func (f *Filter) Include() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.rawInclude...)
}

// Exclude returns the exclude patterns as supplied (trimmed).
func (f *Filter) Exclude() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.rawExclude...)
}

// Empty reports whether the filter has no patterns at all.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.rawInclude) == 0 && len(f.rawExclude) == 0)
}

// Split breaks a comma-separated pattern list into trimmed, non-empty
// entries.
func Split(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	return clean(strings.Split(csv, ","))
}

// Join renders patterns in the comma-separated stored form.
func Join(patterns []string) string {
	return strings.Join(clean(patterns), ",")
}

func clean(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
