package routing

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dan-v/geotunnel/pkg/shared"
)

var (
	ErrIncludeNotFound = errors.New("include not found")
	ErrIncludeCycle    = errors.New("include cycle")
)

// IncludeCycleError names the chain of files that include each other.
type IncludeCycleError struct {
	Chain []string
}

func (e *IncludeCycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrIncludeCycle, strings.Join(e.Chain, " -> "))
}

func (e *IncludeCycleError) Is(target error) bool { return target == ErrIncludeCycle }

// FileRules holds, per matcher kind, indices into GeoSite.Rules.
type FileRules struct {
	Domain  []int
	Keyword []int
	Regexp  []int
	Full    []int
}

// Len is the number of rules referenced by the file.
func (f FileRules) Len() int {
	return len(f.Domain) + len(f.Keyword) + len(f.Regexp) + len(f.Full)
}

func (f *FileRules) add(t RuleType, idx int) {
	switch t {
	case RuleDomain:
		f.Domain = append(f.Domain, idx)
	case RuleKeyword:
		f.Keyword = append(f.Keyword, idx)
	case RuleRegexp:
		f.Regexp = append(f.Regexp, idx)
	case RuleFull:
		f.Full = append(f.Full, idx)
	}
}

func (f *FileRules) each(fn func(idx int)) {
	for _, set := range [][]int{f.Domain, f.Keyword, f.Regexp, f.Full} {
		for _, idx := range set {
			fn(idx)
		}
	}
}

// GeoSite is a compiled rule database: every distinct resolved rule once,
// plus each source file's rules as index sets.
type GeoSite struct {
	Rules []Rule
	Files map[string]FileRules
}

// FileNames lists the rule files in sorted order.
func (g *GeoSite) FileNames() []string {
	names := make([]string, 0, len(g.Files))
	for name := range g.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the rules of file that pass the attribute filter.
func (g *GeoSite) Lookup(file string, filter []Attr) ([]Rule, bool) {
	fr, ok := g.Files[file]
	if !ok {
		return nil, false
	}
	var out []Rule
	fr.each(func(idx int) {
		if r := g.Rules[idx]; r.MatchAttrs(filter) {
			out = append(out, r)
		}
	})
	return out, true
}

// LoadSourceDir parses every regular file in dir as a rule list keyed by
// its file name.
func LoadSourceDir(dir string) (map[string][]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rule source dir: %w", err)
	}
	sources := make(map[string][]Rule, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		rules, err := loadSourceFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		sources[entry.Name()] = rules
	}
	return sources, nil
}

func loadSourceFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []Rule
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		r, err := ParseRule(scanner.Text())
		if errors.Is(err, ErrEmptyRule) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rules = append(rules, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rules, nil
}

// ParseSource parses rule-list text, skipping blank and comment lines.
func ParseSource(text string) ([]Rule, error) {
	var rules []Rule
	for i, line := range strings.Split(text, "\n") {
		r, err := ParseRule(line)
		if errors.Is(err, ErrEmptyRule) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Compile resolves includes in every source file and deduplicates the
// resulting rules into a GeoSite.
func Compile(sources map[string][]Rule) (*GeoSite, error) {
	c := &compiler{
		sources:  sources,
		resolved: make(map[string][]Rule, len(sources)),
		visiting: make(map[string]bool),
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	g := &GeoSite{Files: make(map[string]FileRules, len(names))}
	index := make(map[string]int)
	for _, name := range names {
		rules, err := c.resolve(name)
		if err != nil {
			return nil, err
		}
		var fr FileRules
		seen := make(map[int]bool, len(rules))
		for _, r := range rules {
			k := r.key()
			idx, ok := index[k]
			if !ok {
				idx = len(g.Rules)
				index[k] = idx
				g.Rules = append(g.Rules, r)
			}
			if !seen[idx] {
				seen[idx] = true
				fr.add(r.Type, idx)
			}
		}
		g.Files[name] = fr
	}

	shared.Component("routing").Debug("geosite compiled",
		"files", len(g.Files),
		"rules", len(g.Rules))
	return g, nil
}

type compiler struct {
	sources  map[string][]Rule
	resolved map[string][]Rule
	visiting map[string]bool
	stack    []string
}

// resolve returns the include-free rules of name. Included files are
// resolved unfiltered and memoized; the include's own attrs filter what is
// pulled in.
func (c *compiler) resolve(name string) ([]Rule, error) {
	if rules, ok := c.resolved[name]; ok {
		return rules, nil
	}
	if c.visiting[name] {
		chain := append([]string{}, c.stack[c.indexOf(name):]...)
		return nil, &IncludeCycleError{Chain: append(chain, name)}
	}
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncludeNotFound, name)
	}

	c.visiting[name] = true
	c.stack = append(c.stack, name)
	defer func() {
		delete(c.visiting, name)
		c.stack = c.stack[:len(c.stack)-1]
	}()

	var out []Rule
	for _, r := range src {
		if r.Type != RuleInclude {
			out = append(out, r)
			continue
		}
		sub, err := c.resolve(r.Value)
		if err != nil {
			return nil, err
		}
		for _, sr := range sub {
			if sr.MatchAttrs(r.Attrs) {
				out = append(out, sr)
			}
		}
	}
	c.resolved[name] = out
	return out, nil
}

func (c *compiler) indexOf(name string) int {
	for i, n := range c.stack {
		if n == name {
			return i
		}
	}
	return 0
}
