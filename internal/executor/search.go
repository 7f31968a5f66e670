package executor

import (
	"sort"
	"strings"
	"unicode"
)

// Directories never descended into during walks, searches, or tree
// builds. Matches what the agent should not be reading anyway.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"target":       true,
	".next":        true,
	".venv":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

const (
	maxFileSearchResults     = 10
	maxGrepMatches           = 50
	maxCodebaseSearchResults = 5
	maxSearchableFileSize    = 1 << 20 // 1 MiB
)

func skipDir(name string) bool {
	return ignoredDirs[name]
}

// scoreFilename ranks a workspace-relative path against a filename
// query. Higher is better; zero means no match.
func scoreFilename(query, path string) int {
	q := strings.ToLower(query)
	p := strings.ToLower(path)
	base := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		base = p[i+1:]
	}

	switch {
	case base == q:
		return 100
	case strings.HasPrefix(base, q):
		return 80
	case strings.Contains(base, q):
		return 60
	case strings.Contains(p, q):
		return 40
	}
	if subsequenceMatch(q, base) {
		return 20
	}
	return 0
}

// subsequenceMatch reports whether every rune of q appears in s in
// order, the usual fuzzy-finder match.
func subsequenceMatch(q, s string) bool {
	if q == "" {
		return false
	}
	i := 0
	for _, r := range s {
		if i < len(q) && rune(q[i]) == r {
			i++
		}
	}
	return i == len(q)
}

type scoredPath struct {
	path  string
	score int
}

// rankFilenames returns the best-matching paths for a filename query,
// capped at maxFileSearchResults.
func rankFilenames(query string, paths []string) (matches []string, truncated bool) {
	scored := make([]scoredPath, 0, 16)
	for _, p := range paths {
		if s := scoreFilename(query, p); s > 0 {
			scored = append(scored, scoredPath{path: p, score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].path < scored[j].path
	})
	if len(scored) > maxFileSearchResults {
		scored = scored[:maxFileSearchResults]
		truncated = true
	}
	matches = make([]string, len(scored))
	for i, s := range scored {
		matches[i] = s.path
	}
	return matches, truncated
}

// tokenize splits a natural-language query into lowercase terms,
// dropping single-character noise.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// scoreLine ranks one source line against query tokens. Whole-word hits
// score double a substring hit.
func scoreLine(line string, tokens []string) float64 {
	lower := strings.ToLower(line)
	var score float64
	for _, tok := range tokens {
		idx := strings.Index(lower, tok)
		if idx < 0 {
			continue
		}
		score += 1
		if wordBoundary(lower, idx, len(tok)) {
			score += 1
		}
	}
	return score
}

func wordBoundary(s string, start, length int) bool {
	before := start == 0 || !isWordChar(s[start-1])
	end := start + length
	after := end >= len(s) || !isWordChar(s[end])
	return before && after
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// pathTokenBoost rewards files whose path mentions query tokens, so
// "auth middleware" prefers middleware/auth.go over incidental hits.
func pathTokenBoost(path string, tokens []string) float64 {
	lower := strings.ToLower(path)
	var boost float64
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			boost += 0.5
		}
	}
	return boost
}

// topMatches keeps the best scored matches in descending score order,
// ties broken by path then line number.
func topMatches(all []SemanticMatch, limit int) []SemanticMatch {
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if all[i].Path != all[j].Path {
			return all[i].Path < all[j].Path
		}
		return all[i].LineNumber < all[j].LineNumber
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// looksBinary reports whether a content prefix appears to be binary.
func looksBinary(prefix []byte) bool {
	for _, b := range prefix {
		if b == 0 {
			return true
		}
	}
	return false
}
