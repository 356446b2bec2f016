package outputs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Fallback name parts.
const (
	DefaultTag  = "Custom"
	UnknownSeed = "AUTO"
)

// Sanitize reduces s to a filename-safe chunk: letters, digits, '-' and '_'
// survive, everything else becomes '_', runs of '_' collapse, and leading or
// trailing '.', '_' and spaces are trimmed.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "._ ")
}

// Name builds "<tag>__seed<seed>__<stamp>[_<idx>]<ext>". The index suffix is
// added only when total > 1.
func Name(tag, seed, stamp string, idx, total int, ext string) string {
	tag = Sanitize(tag)
	if tag == "" {
		tag = DefaultTag
	}
	seed = Sanitize(seed)
	if seed == "" {
		seed = UnknownSeed
	}
	counter := ""
	if total > 1 {
		counter = fmt.Sprintf("_%d", idx)
	}
	return fmt.Sprintf("%s__seed%s__%s%s%s", tag, seed, stamp, counter, ext)
}

// UniquePath returns path, or the first "<stem>_<n><ext>" (n >= 2) that does
// not exist yet.
func UniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	for i := 2; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

// TagFromPrompt derives a naming tag from the first prompt line when it is
// short enough to read as a genre label.
func TagFromPrompt(prompt string) string {
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(prompt), "\n", 2)[0])
	n := len([]rune(first))
	if n < 2 || n > 48 {
		return DefaultTag
	}
	for _, r := range first {
		if !unicode.IsPrint(r) {
			return DefaultTag
		}
	}
	return first
}
