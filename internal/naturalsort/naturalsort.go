// Package naturalsort orders file names the way a reader expects:
// embedded digit runs compare as integers, so page_2 sorts before page_10.
package naturalsort

import (
	"math/big"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Token is one run of a Key: either a digit run or a case-folded text run.
type Token struct {
	IsNumber bool
	Number   *big.Int
	Text     string
}

// Key is the composite ordering key of a name.
type Key []Token

// KeyOf splits name into alternating text and digit runs. Like a split on
// (\d+), a name that starts with a digit still begins with an empty text
// token, so tokens at equal positions always have the same kind.
func KeyOf(name string) Key {
	var key Key
	var run strings.Builder
	inDigits := false

	flush := func() {
		s := run.String()
		run.Reset()
		if inDigits {
			n, _ := new(big.Int).SetString(s, 10)
			key = append(key, Token{IsNumber: true, Number: n, Text: s})
			return
		}
		// Caser values are stateful; one per run keeps KeyOf safe for concurrent use
		key = append(key, Token{Text: cases.Fold().String(s)})
	}

	for _, r := range name {
		digit := r >= '0' && r <= '9'
		if digit != inDigits {
			flush()
			inDigits = digit
		}
		run.WriteRune(r)
	}
	flush()

	// a trailing digit run is followed by an empty text token, as in a regex split
	if inDigits {
		key = append(key, Token{})
	}
	return key
}

// Compare returns -1, 0 or +1 comparing a and b element-wise. A key that is
// a prefix of the other sorts first.
func Compare(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareToken(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareToken(a, b Token) int {
	switch {
	case a.IsNumber && b.IsNumber:
		return a.Number.Cmp(b.Number)
	case a.IsNumber:
		return -1
	case b.IsNumber:
		return 1
	default:
		return strings.Compare(a.Text, b.Text)
	}
}

// Less reports whether name a sorts before name b.
func Less(a, b string) bool {
	return Compare(KeyOf(a), KeyOf(b)) < 0
}

// Sort orders paths in place by the natural key of their full path. Ties
// keep their original relative order.
func Sort(paths []string) {
	keys := make(map[string]Key, len(paths))
	for _, p := range paths {
		if _, ok := keys[p]; !ok {
			keys[p] = KeyOf(p)
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return Compare(keys[paths[i]], keys[paths[j]]) < 0
	})
}

// Sorted returns a naturally ordered copy of paths.
func Sorted(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	Sort(out)
	return out
}

// SortByBase orders paths by the natural key of their base names only.
func SortByBase(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return Less(filepath.Base(paths[i]), filepath.Base(paths[j]))
	})
}

// PageNumber returns the last digit run in the base name of path, or -1.
// For "doc_page_12.png" it returns 12.
func PageNumber(path string) int {
	base := filepath.Base(path)
	end := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] >= '0' && base[i] <= '9' {
			end = i
			break
		}
	}
	if end < 0 {
		return -1
	}
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	n := 0
	for _, c := range base[start : end+1] {
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			return -1
		}
	}
	return n
}
