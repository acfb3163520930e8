// Package segment splits plain text or markdown into sentence-sized
// segments for synthesis.
package segment

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```|~~~.*?~~~")
	inlineCodeRe = regexp.MustCompile("`[^`]+`")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	strongRe     = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	emphasisRe   = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	headingRe    = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	listItemRe   = regexp.MustCompile(`^\s*(?:[-*+]|\d+\.)\s+(.+)$`)
	quoteRe      = regexp.MustCompile(`^>\s*(.*)$`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Splitter finds sentence boundaries.
type Splitter struct {
	// MinLength drops segments shorter than this many bytes.
	MinLength int
	// Markdown strips markdown formatting before splitting.
	Markdown bool

	abbreviations map[string]struct{}
}

// NewSplitter returns a splitter that understands markdown and drops
// fragments shorter than 2 bytes.
func NewSplitter() *Splitter {
	return &Splitter{
		MinLength:     2,
		Markdown:      true,
		abbreviations: abbreviations(),
	}
}

// Split returns the sentences of text in order, trimmed. Headings and list
// items end a sentence even without punctuation.
func (s *Splitter) Split(text string) []string {
	var out []string
	for _, block := range s.blocks(text) {
		for _, sent := range s.sentences(block) {
			if len(sent) >= s.MinLength {
				out = append(out, sent)
			}
		}
	}
	return out
}

// blocks breaks text into paragraphs. With Markdown set, each heading and
// list item is its own block and formatting is removed.
func (s *Splitter) blocks(text string) []string {
	if s.Markdown {
		text = codeBlockRe.ReplaceAllString(text, "\n")
	}

	var (
		blocks []string
		cur    []string
	)
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, " "))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if !s.Markdown {
			cur = append(cur, line)
			continue
		}
		standalone := false
		if m := headingRe.FindStringSubmatch(line); m != nil {
			line, standalone = m[1], true
		} else if m := listItemRe.FindStringSubmatch(line); m != nil {
			line, standalone = m[1], true
		} else if m := quoteRe.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		line = stripInline(line)
		if line == "" {
			continue
		}
		if standalone {
			flush()
			blocks = append(blocks, line)
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

func stripInline(text string) string {
	text = htmlTagRe.ReplaceAllString(text, "")
	text = inlineCodeRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = strongRe.ReplaceAllString(text, "$1$2")
	text = emphasisRe.ReplaceAllString(text, "$1$2")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

func (s *Splitter) sentences(text string) []string {
	var (
		out   []string
		runes = []rune(text)
		start = 0
	)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && isTerminal(runes[end]) {
			end++
		}
		for end < len(runes) && isCloser(runes[end]) {
			end++
		}
		if !s.isSentenceEnd(runes, i) {
			i = end - 1
			continue
		}
		if sent := strings.TrimSpace(string(runes[start:end])); sent != "" {
			out = append(out, sent)
		}
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		start = end
		i = end - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminal(r rune) bool { return r == '.' || r == '!' || r == '?' }

func isCloser(r rune) bool { return r == '"' || r == '\'' || r == ')' || r == ']' }

// isSentenceEnd reports whether the punctuation at pos ends a sentence.
func (s *Splitter) isSentenceEnd(runes []rune, pos int) bool {
	punct := runes[pos]

	if punct == '.' {
		// Ellipsis.
		if pos+1 < len(runes) && runes[pos+1] == '.' {
			return false
		}
		// Decimal number.
		if pos > 0 && pos+1 < len(runes) && unicode.IsDigit(runes[pos-1]) && unicode.IsDigit(runes[pos+1]) {
			return false
		}

		begin := pos - 1
		for begin >= 0 && !unicode.IsSpace(runes[begin]) {
			begin--
		}
		word := strings.ToLower(strings.TrimLeft(string(runes[begin+1:pos]), "(\"'["))
		if _, ok := s.abbreviations[word]; ok {
			return false
		}
		// Ph.D. and U.S. style.
		if strings.Contains(word, ".") {
			return false
		}
		// URLs and hostnames.
		if strings.Contains(word, "://") {
			return false
		}
	}

	next := pos + 1
	for next < len(runes) && (isTerminal(runes[next]) || isCloser(runes[next])) {
		next++
	}
	if next >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}
	r := runes[next]
	if unicode.IsUpper(r) || unicode.IsDigit(r) || r == '"' || r == '\'' || r == '(' {
		return true
	}
	return punct != '.'
}

func abbreviations() map[string]struct{} {
	m := make(map[string]struct{})
	for _, a := range []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "mt",
		"inc", "ltd", "co", "corp", "dept", "est", "vol", "no", "pp", "pg",
		"etc", "vs", "cf", "al", "approx",
		"jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec",
		"mon", "tue", "wed", "thu", "fri", "sat", "sun",
		"rd", "ave", "blvd", "ln", "ct",
		"ft", "lbs", "oz", "kg", "km", "cm", "mm", "mi", "yd",
		"hr", "hrs", "min", "mins", "sec", "secs",
	} {
		m[a] = struct{}{}
	}
	return m
}
