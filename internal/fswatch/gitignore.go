package fswatch

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ignoreMatcher applies the root .gitignore plus a built-in list of
// directories never worth reporting. Negation patterns are not
// supported; an ignored path stays ignored.
type ignoreMatcher struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	dirOnly  bool
	anchored bool
}

var alwaysIgnored = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"__pycache__":  true,
	".venv":        true,
}

// loadIgnoreMatcher reads .gitignore from the workspace root. A missing
// file leaves only the built-in list active.
func loadIgnoreMatcher(root string) *ignoreMatcher {
	m := &ignoreMatcher{}

	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		p := ignorePattern{}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			p.anchored = true
			line = strings.TrimPrefix(line, "/")
		}
		p.pattern = line
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Ignored reports whether a workspace-relative path should be dropped.
func (m *ignoreMatcher) Ignored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")

	for _, seg := range segments {
		if alwaysIgnored[seg] {
			return true
		}
	}

	for _, p := range m.patterns {
		if p.dirOnly && !isDir && !pathHasDirMatch(segments[:len(segments)-1], p.pattern) {
			continue
		}
		if p.anchored {
			if match, _ := filepath.Match(p.pattern, rel); match {
				return true
			}
			if strings.HasPrefix(rel, p.pattern+"/") {
				return true
			}
			continue
		}
		// Unanchored patterns match any path segment or the basename.
		for i, seg := range segments {
			if match, _ := filepath.Match(p.pattern, seg); match {
				if p.dirOnly && i == len(segments)-1 && !isDir {
					continue
				}
				return true
			}
		}
	}
	return false
}

func pathHasDirMatch(dirs []string, pattern string) bool {
	for _, d := range dirs {
		if match, _ := filepath.Match(pattern, d); match {
			return true
		}
	}
	return false
}
