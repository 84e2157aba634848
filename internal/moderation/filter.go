package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Deployments replace it via
// NewFilterWithTerms; these are deliberately tame placeholders.
var defaultTerms = []string{
	"kill yourself",
	"go die",
	"kys",
}

// Filter is the built-in Moderator: a normalized keyword/phrase blocklist
// plus the spam heuristics in spam.go. Safe for concurrent use; all state is
// read-only after construction.
type Filter struct {
	words   map[string]bool // single-token terms
	phrases []string        // multi-token terms, matched on normalized text
}

// NewFilter creates a Filter with the default term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter blocking the given terms. Terms with
// spaces are matched as whole phrases, others as whole words.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]bool)}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.ContainsRune(t, ' ') {
			f.phrases = append(f.phrases, t)
		} else {
			f.words[t] = true
		}
	}
	return f
}

// Moderate implements the Moderator contract. Order: keyword/phrase
// blocklist first, then spam patterns. Allowed messages pass through with
// surrounding whitespace trimmed.
func (f *Filter) Moderate(text string, authorIdentity string) Result {
	if r := f.checkTerms(text); !r.Allowed {
		return r
	}
	if r := f.checkSpamPatterns(text); !r.Allowed {
		return r
	}
	return Result{Allowed: true, FilteredText: strings.TrimSpace(text)}
}

// checkTerms matches the blocklist against a leetspeak-normalized lowercase
// view of the text. Whole-word matching only: "badwording" does not match
// "badword".
func (f *Filter) checkTerms(text string) Result {
	norm := normalize(text)

	for _, phrase := range f.phrases {
		if containsPhrase(norm, phrase) {
			return Result{Reason: "blocked_keyword", Term: phrase}
		}
	}

	for _, w := range strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if f.words[w] {
			return Result{Reason: "blocked_keyword", Term: w}
		}
	}
	return Result{Allowed: true}
}

// leetMap folds common character substitutions back to letters so "b@dw0rd"
// matches "badword".
var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't',
	'@': 'a', '$': 's', '!': 'i',
}

func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if folded, ok := leetMap[r]; ok {
			b.WriteRune(folded)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordRune(rune(text[start-1]))
		afterOK := end == len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
