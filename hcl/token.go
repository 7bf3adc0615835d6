// Package hcl implements the path/capability policy mini-language modeled on
// HashiCorp-style policy syntax: a sequence of path blocks carrying
// capabilities, parameter constraints and wrapping TTL bounds.
package hcl

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenNumber
	tokenAssign
	tokenLBrace
	tokenRBrace
	tokenLBracket
	tokenRBracket
	tokenComma
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of input"
	case tokenIdent:
		return "identifier"
	case tokenString:
		return "string"
	case tokenNumber:
		return "number"
	case tokenAssign:
		return "'='"
	case tokenLBrace:
		return "'{'"
	case tokenRBrace:
		return "'}'"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenComma:
		return "','"
	}
	return "unknown token"
}

type token struct {
	kind tokenKind
	text string
	line int
}

// lexer produces tokens from policy text. Quoted strings are consumed
// atomically, so braces and brackets inside quotes never confuse block
// structure.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, line: l.line}, nil
	}

	ch := l.src[l.pos]
	switch ch {
	case '=':
		l.pos++
		return token{kind: tokenAssign, text: "=", line: l.line}, nil
	case '{':
		l.pos++
		return token{kind: tokenLBrace, text: "{", line: l.line}, nil
	case '}':
		l.pos++
		return token{kind: tokenRBrace, text: "}", line: l.line}, nil
	case '[':
		l.pos++
		return token{kind: tokenLBracket, text: "[", line: l.line}, nil
	case ']':
		l.pos++
		return token{kind: tokenRBracket, text: "]", line: l.line}, nil
	case ',':
		l.pos++
		return token{kind: tokenComma, text: ",", line: l.line}, nil
	case '"':
		return l.lexString()
	}

	if isDigit(ch) {
		return l.lexNumber()
	}
	if isIdentStart(ch) {
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("line %d: unexpected character %q", l.line, ch)
}

func (l *lexer) lexString() (token, error) {
	start := l.line
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch ch {
		case '"':
			l.pos++
			return token{kind: tokenString, text: sb.String(), line: start}, nil
		case '\\':
			l.pos++
			if l.pos >= len(l.src) {
				return token{}, fmt.Errorf("line %d: unterminated escape", l.line)
			}
			esc := l.src[l.pos]
			switch esc {
			case '"', '\\':
				sb.WriteByte(esc)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				return token{}, fmt.Errorf("line %d: unsupported escape \\%c", l.line, esc)
			}
			l.pos++
		case '\n':
			return token{}, fmt.Errorf("line %d: unterminated string", start)
		default:
			sb.WriteByte(ch)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("line %d: unterminated string", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	return token{kind: tokenNumber, text: l.src[start:l.pos], line: l.line}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	return token{kind: tokenIdent, text: l.src[start:l.pos], line: l.line}, nil
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch {
		case ch == '\n':
			l.line++
			l.pos++
		case unicode.IsSpace(rune(ch)):
			l.pos++
		case ch == '#':
			l.skipLine()
		case ch == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			l.skipLine()
		default:
			return
		}
	}
}

func (l *lexer) skipLine() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
