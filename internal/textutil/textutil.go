// Package textutil holds the lexical helpers shared by the reply and
// transcript evaluators: tokenising, stopwords, stems and overlap measures.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const stemLength = 5

var stopwords = toSet(
	// it
	"il", "lo", "la", "i", "gli", "le", "un", "uno", "una", "di", "a", "da", "in", "con", "su", "per", "tra", "fra",
	"e", "o", "ma", "se", "che", "chi", "cui", "non", "più", "anche", "come", "dove", "quando", "quale", "quali",
	"questo", "questa", "questi", "queste", "quello", "quella", "sono", "sei", "è", "era", "essere", "ho", "hai",
	"ha", "abbiamo", "avete", "hanno", "mi", "ti", "ci", "vi", "si", "me", "te", "mio", "mia", "tuo", "tua",
	"suo", "sua", "del", "della", "dei", "delle", "dello", "al", "alla", "ai", "alle", "nel", "nella", "nei",
	"sul", "sulla", "molto", "poco", "cosa", "così", "poi", "già", "ancora", "sempre", "mai", "ne", "lei", "lui",
	"io", "tu", "noi", "voi", "loro", "grazie", "bene", "ok", "sì", "no", "allora", "quindi", "però", "tutto",
	"fare", "fatto", "può", "puoi", "potresti", "vorrei", "dire", "detto",
	// en
	"the", "an", "and", "or", "but", "if", "of", "to", "at", "by", "for", "with", "about", "from", "on", "is",
	"are", "was", "were", "be", "been", "have", "has", "had", "do", "does", "did", "you", "your", "i", "my",
	"me", "we", "our", "it", "its", "this", "that", "these", "those", "what", "which", "who", "how", "why",
	"when", "where", "can", "could", "would", "should", "will", "just", "very", "really", "so", "thanks",
	"thank", "yes", "not", "more", "some", "any", "there", "they", "them",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Words lowercases s and splits it on everything but letters, digits and apostrophes.
func Words(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// WordCount counts words in s.
func WordCount(s string) int {
	return len(Words(s))
}

// ContentStems returns the stems of the non-stopword words of s with at least 4 runes.
// Elided articles ("l'email") are dropped before stemming.
func ContentStems(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range Words(s) {
		if i := strings.LastIndex(w, "'"); i >= 0 {
			w = w[i+1:]
		}
		if stopwords[w] || len([]rune(w)) < 4 {
			continue
		}
		out[Stem(w)] = true
	}
	return out
}

// Stem truncates a word to a fixed prefix, which folds most Italian and English inflections.
func Stem(w string) string {
	r := []rune(w)
	if len(r) > stemLength {
		r = r[:stemLength]
	}
	return string(r)
}

// Overlap counts stems shared by a and b.
func Overlap(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}

// Jaccard returns the Jaccard similarity of the word sets of a and b.
func Jaccard(a, b string) float64 {
	sa, sb := toSet(Words(a)...), toSet(Words(b)...)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// LongestCommonRun returns the longest run of consecutive words that a and b share, in words.
func LongestCommonRun(a, b string) []string {
	wa, wb := Words(a), Words(b)
	best, bestEnd := 0, 0
	prev := make([]int, len(wb)+1)
	for i := 1; i <= len(wa); i++ {
		cur := make([]int, len(wb)+1)
		for j := 1; j <= len(wb); j++ {
			if wa[i-1] == wb[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best, bestEnd = cur[j], i
				}
			}
		}
		prev = cur
	}
	return wa[bestEnd-best : bestEnd]
}

// HasContent reports whether run contains at least one non-stopword.
func HasContent(run []string) bool {
	for _, w := range run {
		if !stopwords[w] && len([]rune(w)) >= 4 {
			return true
		}
	}
	return false
}
