// Package parser implements a reusable pushdown byte-dispatch machine: a
// bounded stack of per-byte handler tables driving tokenization. It is the
// same design as mkapp's MkParserContext — a grammar is built by pushing a
// fresh table and wiring handlers onto it, rather than by subclassing or
// composing parser objects.
package parser

import (
	"fmt"
	"io"
)

// MaxDepth bounds the handler-table stack. Pushing beyond this depth is a
// programming error in the grammar configuration, not a runtime condition,
// and is therefore fatal.
const MaxDepth = 8

// firstChar/lastChar bound the direct-indexed byte range; everything
// outside [0,127] collapses into the non-ASCII bucket at index nonASCII.
const (
	firstChar = 0
	lastChar  = 127
	nonASCII  = -1
	tableSize = lastChar - firstChar + 2 // 0..127 plus the non-ASCII bucket
)

// Handler processes one byte fed to the parser. It receives the parser so
// it can push/pop tables, append/cut tokens, or reconfigure handlers.
type Handler func(p *Parser, c byte)

// EOFHandler is invoked once, when the byte source is exhausted.
type EOFHandler func(p *Parser)

type table [tableSize]Handler

func index(c byte) int {
	if int(c) < firstChar || int(c) > lastChar {
		return 0 // nonASCII bucket, shifted by +1 below
	}
	return int(c) + 1
}

// Parser is a pushdown byte-dispatch machine plus a token accumulator.
//
// UserData carries arbitrary state through to handlers, the same role
// void* user_data plays in the original.
type Parser struct {
	stack []table

	tokens  []string
	current []byte
	hasCur  bool

	eof EOFHandler

	UserData any
}

// New creates a parser with a single, empty table on the stack (depth 1).
func New(userData any) *Parser {
	p := &Parser{
		stack:    make([]table, 0, MaxDepth),
		UserData: userData,
	}
	p.stack = append(p.stack, table{})
	return p
}

// SetEOFFunc installs the handler invoked when the byte source ends.
func (p *Parser) SetEOFFunc(f EOFHandler) { p.eof = f }

// Push duplicates the top-of-stack table onto a new stack frame. Handlers
// reconfigure the copy to change behavior for a nested region (quotes,
// comments, escapes) without disturbing the enclosing grammar.
func (p *Parser) Push() {
	if len(p.stack) >= MaxDepth {
		panic(fmt.Sprintf("parser: push beyond max depth %d", MaxDepth))
	}
	top := p.stack[len(p.stack)-1]
	p.stack = append(p.stack, top)
}

// Pop discards the top-of-stack table, reverting to the enclosing grammar.
func (p *Parser) Pop() {
	if len(p.stack) <= 1 {
		panic("parser: pop below base table")
	}
	p.stack = p.stack[:len(p.stack)-1]
}

// Depth reports the current stack depth (1 at the base grammar).
func (p *Parser) Depth() int { return len(p.stack) }

// Configure installs f as the handler for byte c on the top-of-stack table.
func (p *Parser) Configure(c byte, f Handler) {
	p.stack[len(p.stack)-1][index(c)] = f
}

// ConfigureRange installs f for every byte in [lo, hi] (inclusive, either
// order).
func (p *Parser) ConfigureRange(lo, hi byte, f Handler) {
	if lo > hi {
		lo, hi = hi, lo
	}
	for c := int(lo); c <= int(hi); c++ {
		p.Configure(byte(c), f)
	}
}

// ConfigureAll installs f for every byte appearing in chars.
func (p *Parser) ConfigureAll(chars string, f Handler) {
	for i := 0; i < len(chars); i++ {
		p.Configure(chars[i], f)
	}
}

// ConfigureDefault installs f across the full ASCII range [0,127] on the
// top-of-stack table, leaving the non-ASCII bucket untouched (it is
// configured separately via ConfigureNonASCII, or left nil).
func (p *Parser) ConfigureDefault(f Handler) {
	p.ConfigureRange(firstChar, lastChar, f)
}

// ConfigureNonASCII installs f for bytes outside [0,127].
func (p *Parser) ConfigureNonASCII(f Handler) {
	p.stack[len(p.stack)-1][0] = f
}

// Feed dispatches one byte to the handler installed on the top-of-stack
// table. Bytes outside [0,127] are remapped to the non-ASCII bucket and
// never rejected.
func (p *Parser) Feed(c byte) {
	t := p.stack[len(p.stack)-1]
	f := t[index(c)]
	if f != nil {
		f(p, c)
	}
}

// TokenAppend appends a byte to the current (not-yet-cut) token.
func (p *Parser) TokenAppend(c byte) {
	p.current = append(p.current, c)
	p.hasCur = true
}

// TokenCut finalizes the current token into the token vector. A cut with
// no pending bytes (an "empty cut") produces no token — this lets
// consecutive delimiters (e.g. whitespace runs) collapse silently.
func (p *Parser) TokenCut() {
	if !p.hasCur {
		return
	}
	p.tokens = append(p.tokens, string(p.current))
	p.current = p.current[:0]
	p.hasCur = false
}

// TokenAdd appends a complete token directly, bypassing the byte
// accumulator.
func (p *Parser) TokenAdd(tok string) {
	p.tokens = append(p.tokens, tok)
}

// TokenClear drops all finalized tokens, keeping any in-progress current
// token untouched.
func (p *Parser) TokenClear() {
	p.tokens = p.tokens[:0]
}

// TokenSize reports the number of finalized tokens.
func (p *Parser) TokenSize() int { return len(p.tokens) }

// Tokens returns a snapshot of the finalized token vector. The caller must
// not retain it past the next TokenClear.
func (p *Parser) Tokens() []string { return p.tokens }

// FeedAll feeds every byte from r until EOF, then invokes the EOF handler
// if one is installed. This is the channel driver: the byte-source-to-
// parser bridge used for both files and the host's standard input.
func (p *Parser) FeedAll(r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			p.Feed(buf[i])
		}
		if err != nil {
			if err == io.EOF {
				if p.eof != nil {
					p.eof(p)
				}
				return nil
			}
			return err
		}
	}
}
