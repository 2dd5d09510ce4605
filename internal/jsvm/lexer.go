package jsvm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string  // identifier name, punctuator, or decoded string literal
	num  float64 // value of tokNumber
	pos  int
	// nl is set when a line terminator separates this token from the previous one.
	nl bool
}

// Longest punctuators first so "===" wins over "==" and "=".
var punctuators = []string{
	"===", "!==",
	"==", "!=", "<=", ">=", "&&", "||", "+=", "-=", "*=", "/=", "%=",
	"(", ")", "[", "]", "{", "}", ".", ",", ";", ":", "?",
	"=", "+", "-", "*", "/", "%", "!", "<", ">",
}

type lexer struct {
	src string
	pos int
}

// maxTokens bounds the size of a script, and with it the depth of any
// left-associative chain the parser builds.
const maxTokens = 1 << 17

func tokenize(src string) ([]token, error) {
	if len(src) > MaxStringLength {
		return nil, syntaxErrorf(0, "script exceeds %d bytes", MaxStringLength)
	}
	lx := &lexer{src: src}
	var tokens []token
	for {
		if len(tokens) >= maxTokens {
			return nil, syntaxErrorf(lx.pos, "script exceeds %d tokens", maxTokens)
		}
		nl, err := lx.skipSpace()
		if err != nil {
			return nil, err
		}
		if lx.pos >= len(lx.src) {
			tokens = append(tokens, token{kind: tokEOF, pos: lx.pos, nl: nl})
			return tokens, nil
		}
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		tok.nl = nl
		tokens = append(tokens, tok)
	}
}

// skipSpace consumes whitespace and comments, reporting whether a line break was seen.
func (lx *lexer) skipSpace() (bool, error) {
	nl := false
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\n' || c == '\r':
			nl = true
			lx.pos++
		case c == ' ' || c == '\t' || c == '\f' || c == '\v':
			lx.pos++
		case strings.HasPrefix(lx.src[lx.pos:], "//"):
			end := strings.IndexAny(lx.src[lx.pos:], "\r\n")
			if end < 0 {
				lx.pos = len(lx.src)
			} else {
				lx.pos += end
			}
		case strings.HasPrefix(lx.src[lx.pos:], "/*"):
			end := strings.Index(lx.src[lx.pos+2:], "*/")
			if end < 0 {
				return nl, syntaxErrorf(lx.pos, "unterminated comment")
			}
			if strings.ContainsAny(lx.src[lx.pos:lx.pos+2+end], "\r\n") {
				nl = true
			}
			lx.pos += end + 4
		default:
			r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
			if r == '\u00a0' || r == '\ufeff' || unicode.Is(unicode.Zs, r) {
				lx.pos += size
				continue
			}
			if r == '\u2028' || r == '\u2029' {
				nl = true
				lx.pos += size
				continue
			}
			return nl, nil
		}
	}
	return nl, nil
}

func (lx *lexer) next() (token, error) {
	start := lx.pos
	c := lx.src[lx.pos]

	switch {
	case c >= '0' && c <= '9', c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1]):
		return lx.number()
	case c == '"' || c == '\'':
		return lx.str(c)
	case isIdentStart(c):
		for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
			lx.pos++
		}
		return token{kind: tokIdent, text: lx.src[start:lx.pos], pos: start}, nil
	}

	for _, p := range punctuators {
		if strings.HasPrefix(lx.src[lx.pos:], p) {
			lx.pos += len(p)
			return token{kind: tokPunct, text: p, pos: start}, nil
		}
	}
	return token{}, syntaxErrorf(start, "unexpected character %q", c)
}

func (lx *lexer) number() (token, error) {
	start := lx.pos
	if strings.HasPrefix(lx.src[lx.pos:], "0x") || strings.HasPrefix(lx.src[lx.pos:], "0X") {
		lx.pos += 2
		for lx.pos < len(lx.src) && isHexDigit(lx.src[lx.pos]) {
			lx.pos++
		}
		n, err := strconv.ParseUint(lx.src[start+2:lx.pos], 16, 64)
		if err != nil {
			return token{}, syntaxErrorf(start, "invalid hex literal %q", lx.src[start:lx.pos])
		}
		return token{kind: tokNumber, num: float64(n), pos: start}, nil
	}

	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'e' || lx.src[lx.pos] == 'E') {
		lx.pos++
		if lx.pos < len(lx.src) && (lx.src[lx.pos] == '+' || lx.src[lx.pos] == '-') {
			lx.pos++
		}
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	n, err := strconv.ParseFloat(lx.src[start:lx.pos], 64)
	if err != nil {
		return token{}, syntaxErrorf(start, "invalid number %q", lx.src[start:lx.pos])
	}
	return token{kind: tokNumber, num: n, pos: start}, nil
}

func (lx *lexer) str(quote byte) (token, error) {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for {
		if lx.pos >= len(lx.src) {
			return token{}, syntaxErrorf(start, "unterminated string")
		}
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case c == '\n' || c == '\r':
			return token{}, syntaxErrorf(start, "unterminated string")
		case c == '\\':
			if err := lx.escape(&sb); err != nil {
				return token{}, err
			}
		default:
			sb.WriteByte(c)
			lx.pos++
		}
	}
}

func (lx *lexer) escape(sb *strings.Builder) error {
	lx.pos++
	if lx.pos >= len(lx.src) {
		return syntaxErrorf(lx.pos, "unterminated escape")
	}
	c := lx.src[lx.pos]
	lx.pos++
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'v':
		sb.WriteByte('\v')
	case '0':
		sb.WriteByte(0)
	case 'x':
		return lx.hexEscape(sb, 2)
	case 'u':
		return lx.hexEscape(sb, 4)
	case '\r':
		if lx.pos < len(lx.src) && lx.src[lx.pos] == '\n' {
			lx.pos++
		}
	case '\n':
		// line continuation
	default:
		sb.WriteByte(c)
	}
	return nil
}

func (lx *lexer) hexEscape(sb *strings.Builder, digits int) error {
	if lx.pos+digits > len(lx.src) {
		return syntaxErrorf(lx.pos, "invalid escape sequence")
	}
	n, err := strconv.ParseUint(lx.src[lx.pos:lx.pos+digits], 16, 32)
	if err != nil {
		return syntaxErrorf(lx.pos, "invalid escape sequence")
	}
	lx.pos += digits
	sb.WriteRune(rune(n))
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

func syntaxErrorf(pos int, format string, args ...any) error {
	return &Error{Kind: "SyntaxError", Msg: fmt.Sprintf(format, args...) + fmt.Sprintf(" at offset %d", pos)}
}
