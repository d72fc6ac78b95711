package core

import (
	"fmt"
	"strings"
)

// Param is one key="value" pair of a WWW-Authenticate challenge.
type Param struct {
	Key   string
	Value string
}

// Challenge is a parsed WWW-Authenticate header, e.g.
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io"
//
// Params keep header order. Keys are unique (compared case-insensitively);
// a header that repeats a key is rejected rather than guessing which wins.
type Challenge struct {
	Scheme string
	Params []Param
}

func (c *Challenge) Get(key string) (string, bool) {
	for _, p := range c.Params {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

func ParseChallenge(header string) (*Challenge, error) {
	s := &challengeScanner{src: header}
	s.skipSpace()
	scheme := s.ident()
	if scheme == "" {
		return nil, s.errorf("missing scheme")
	}
	challenge := &Challenge{Scheme: scheme}
	s.skipSpace()
	if s.done() {
		return challenge, nil
	}
	for {
		key := s.ident()
		if key == "" {
			return nil, s.errorf("expected parameter name")
		}
		s.skipSpace()
		if !s.consume('=') {
			return nil, s.errorf("parameter %q has no '='", key)
		}
		s.skipSpace()
		value, err := s.quoted(key)
		if err != nil {
			return nil, err
		}
		if _, dup := challenge.Get(key); dup {
			return nil, s.errorf("duplicate parameter %q", key)
		}
		challenge.Params = append(challenge.Params, Param{Key: key, Value: value})
		s.skipSpace()
		if s.done() {
			return challenge, nil
		}
		if !s.consume(',') {
			return nil, s.errorf("expected ',' after parameter %q", key)
		}
		s.skipSpace()
	}
}

type challengeScanner struct {
	src string
	pos int
}

func (s *challengeScanner) done() bool {
	return s.pos >= len(s.src)
}

func (s *challengeScanner) skipSpace() {
	for !s.done() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

func (s *challengeScanner) consume(c byte) bool {
	if !s.done() && s.src[s.pos] == c {
		s.pos++
		return true
	}
	return false
}

func (s *challengeScanner) ident() string {
	start := s.pos
	for !s.done() {
		c := s.src[s.pos]
		isLetter := c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
		isTail := '0' <= c && c <= '9' || c == '-' || c == '.'
		if !isLetter && !(isTail && s.pos > start) {
			break
		}
		s.pos++
	}
	return s.src[start:s.pos]
}

// quoted reads a double-quoted value. A backslash escapes the next byte.
func (s *challengeScanner) quoted(key string) (string, error) {
	if !s.consume('"') {
		return "", s.errorf("value of %q is not quoted", key)
	}
	var b strings.Builder
	for !s.done() {
		c := s.src[s.pos]
		s.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if s.done() {
				return "", s.errorf("unterminated value for %q", key)
			}
			b.WriteByte(s.src[s.pos])
			s.pos++
		default:
			b.WriteByte(c)
		}
	}
	return "", s.errorf("unterminated value for %q", key)
}

func (s *challengeScanner) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrMalformedChallenge, fmt.Sprintf(format, args...), s.pos, s.src)
}
