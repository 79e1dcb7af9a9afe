////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messages

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenType is the class of a run of message text.
type TokenType uint8

const (
	Nostr TokenType = iota
	URL
	Hashtag
	Text
	LineBreak
	Whitespace
)

// String returns the name used when tokens are rendered.
func (t TokenType) String() string {
	switch t {
	case Nostr:
		return "Nostr"
	case URL:
		return "Url"
	case Hashtag:
		return "Hashtag"
	case Text:
		return "Text"
	case LineBreak:
		return "LineBreak"
	case Whitespace:
		return "Whitespace"
	default:
		return "INVALID TOKEN TYPE"
	}
}

// Token is a classified run of message text. Text holds the exact source
// bytes.
type Token struct {
	Type TokenType `json:"type"`
	Text string    `json:"text"`
}

var (
	nostrRe   = regexp.MustCompile(`^nostr:(?:npub|nprofile|note|nevent|naddr|nrelay)1[02-9ac-hj-np-z]+`)
	urlRe     = regexp.MustCompile(`^(?i:https?|wss?)://[^\s<>"]+`)
	hashtagRe = regexp.MustCompile(`^#[\p{L}\p{N}_]+`)
)

// Punctuation that ends a sentence rather than a URL.
const urlTrailing = ".,;:!?)]}'\""

// Tokenizer scans message text left to right. It can be restarted with Reset.
type Tokenizer struct {
	input string
	pos   int
}

// Tokenize returns a tokenizer positioned at the start of text.
func Tokenize(text string) *Tokenizer {
	return &Tokenizer{input: text}
}

// Reset moves the tokenizer back to the start of its input.
func (t *Tokenizer) Reset() {
	t.pos = 0
}

// Next returns the next token. Returns false once the input is exhausted.
func (t *Tokenizer) Next() (Token, bool) {
	if t.pos >= len(t.input) {
		return Token{}, false
	}
	rest := t.input[t.pos:]
	tok, n := special(rest)
	if n == 0 {
		n = textRun(rest)
		tok = Token{Type: Text}
	}
	tok.Text = rest[:n]
	t.pos += n
	return tok, true
}

// All returns every token of the input from the start.
func (t *Tokenizer) All() []Token {
	t.Reset()
	var tokens []Token
	for tok, ok := t.Next(); ok; tok, ok = t.Next() {
		tokens = append(tokens, tok)
	}
	return tokens
}

// Join concatenates the text of the tokens.
func Join(tokens []Token) string {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok.Text)
	}
	return sb.String()
}

// special matches every token type other than Text at the start of s and
// returns the length consumed, or 0 if s starts with plain text.
func special(s string) (Token, int) {
	switch s[0] {
	case 'n':
		if m := nostrRe.FindString(s); m != "" {
			return Token{Type: Nostr}, len(m)
		}
	case 'h', 'H', 'w', 'W':
		if n := urlLen(s); n > 0 {
			return Token{Type: URL}, n
		}
	case '#':
		if m := hashtagRe.FindString(s); m != "" {
			return Token{Type: Hashtag}, len(m)
		}
	case '\r':
		if strings.HasPrefix(s, "\r\n") {
			return Token{Type: LineBreak}, 2
		}
		return Token{Type: LineBreak}, 1
	case '\n':
		return Token{Type: LineBreak}, 1
	}
	if n := spaceRun(s); n > 0 {
		return Token{Type: Whitespace}, n
	}
	return Token{}, 0
}

func urlLen(s string) int {
	m := urlRe.FindString(s)
	if m == "" {
		return 0
	}
	scheme := strings.Index(m, "://") + 3
	trimmed := strings.TrimRight(m, urlTrailing)
	if len(trimmed) <= scheme {
		return 0
	}
	return len(trimmed)
}

func spaceRun(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if r == '\n' || r == '\r' || !unicode.IsSpace(r) {
			break
		}
		n += size
	}
	return n
}

// textRun returns the length of plain text at the start of s. At least one
// rune is consumed.
func textRun(s string) int {
	_, n := utf8.DecodeRuneInString(s)
	for n < len(s) {
		if _, m := special(s[n:]); m > 0 {
			break
		}
		_, size := utf8.DecodeRuneInString(s[n:])
		n += size
	}
	return n
}
