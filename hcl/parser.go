package hcl

import (
	"fmt"
	"strconv"
)

// Parse turns policy text into a validated Policy. It is a small
// recursive-descent parser over the lexer; block structure is driven by
// tokens, so quoted strings containing braces or brackets parse cleanly.
func Parse(src string) (*Policy, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	policy := &Policy{}
	for p.tok.kind != tokenEOF {
		rule, err := p.parsePathBlock()
		if err != nil {
			return nil, err
		}
		policy.Paths = append(policy.Paths, rule)
	}
	if len(policy.Paths) == 0 {
		return nil, fmt.Errorf("policy contains no path blocks")
	}
	return policy, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.tok.kind != kind {
		return token{}, fmt.Errorf("line %d: expected %s, found %s %q", p.tok.line, kind, p.tok.kind, p.tok.text)
	}
	tok := p.tok
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return tok, nil
}

func (p *parser) parsePathBlock() (*PathRule, error) {
	kw, err := p.expect(tokenIdent)
	if err != nil {
		return nil, err
	}
	if kw.text != "path" {
		return nil, fmt.Errorf("line %d: expected 'path', found %q", kw.line, kw.text)
	}
	pattern, err := p.expect(tokenString)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokenLBrace); err != nil {
		return nil, err
	}

	rule := &PathRule{Pattern: pattern.text}
	for p.tok.kind != tokenRBrace {
		if err := p.parseAttribute(rule); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokenRBrace); err != nil {
		return nil, err
	}

	if err := rule.validate(); err != nil {
		return nil, err
	}
	if err := rule.compile(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (p *parser) parseAttribute(rule *PathRule) error {
	name, err := p.expect(tokenIdent)
	if err != nil {
		return err
	}
	if _, err := p.expect(tokenAssign); err != nil {
		return err
	}

	switch name.text {
	case "capabilities":
		list, err := p.parseStringList()
		if err != nil {
			return err
		}
		rule.Capabilities = list
	case "allowed_parameters":
		params, err := p.parseParameterMap()
		if err != nil {
			return err
		}
		rule.AllowedParameters = params
	case "denied_parameters":
		list, err := p.parseStringList()
		if err != nil {
			return err
		}
		rule.DeniedParameters = list
	case "min_wrapping_ttl":
		n, err := p.parseInt()
		if err != nil {
			return err
		}
		rule.MinWrappingTTL = n
	case "max_wrapping_ttl":
		n, err := p.parseInt()
		if err != nil {
			return err
		}
		rule.MaxWrappingTTL = n
	default:
		return fmt.Errorf("line %d: unknown attribute %q", name.line, name.text)
	}
	return nil
}

func (p *parser) parseStringList() ([]string, error) {
	if _, err := p.expect(tokenLBracket); err != nil {
		return nil, err
	}
	var out []string
	for p.tok.kind != tokenRBracket {
		s, err := p.expect(tokenString)
		if err != nil {
			return nil, err
		}
		out = append(out, s.text)
		if p.tok.kind == tokenComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.expect(tokenRBracket); err != nil {
		return nil, err
	}
	return out, nil
}

// parseParameterMap reads { "key" = ["v1", "v2"], ... }; a bare string value
// is accepted as a single-element list.
func (p *parser) parseParameterMap() (map[string][]string, error) {
	if _, err := p.expect(tokenLBrace); err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for p.tok.kind != tokenRBrace {
		key, err := p.expect(tokenString)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenAssign); err != nil {
			return nil, err
		}
		switch p.tok.kind {
		case tokenLBracket:
			list, err := p.parseStringList()
			if err != nil {
				return nil, err
			}
			out[key.text] = list
		case tokenString:
			out[key.text] = []string{p.tok.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("line %d: expected list or string value for parameter %q", p.tok.line, key.text)
		}
		if p.tok.kind == tokenComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.expect(tokenRBrace); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseInt() (int, error) {
	tok, err := p.expect(tokenNumber)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(tok.text)
	if err != nil {
		return 0, fmt.Errorf("line %d: invalid number %q", tok.line, tok.text)
	}
	return n, nil
}
