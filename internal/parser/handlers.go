package parser

// EnableDefaults installs the shell-like default handler set onto the
// current top-of-stack table: double/single-quoted regions, comments, and
// backslash escapes. This mirrors mk_parser_enable_defaults(), except that
// the comment region explicitly discards its bytes (see commentBegin);
// callers still need to configure their own default (non-special) byte
// handler, delimiter handlers, and EOF handler on top of this.
func (p *Parser) EnableDefaults() {
	p.Configure('"', dquoteBegin)
	p.Configure('\'', squoteBegin)
	p.Configure('#', commentBegin)
	p.Configure('\\', escapeBegin)
}

// dquoteBegin opens a double-quoted region: every byte is appended
// verbatim except a closing '"' (which pops back to the enclosing
// grammar) and a backslash (which begins the same lenient escape used
// outside quotes — see escapeBegin/escapeEnd).
func dquoteBegin(p *Parser, c byte) {
	p.Push()
	p.ConfigureDefault(Handler(tokenAppendHandler))
	p.ConfigureNonASCII(Handler(tokenAppendHandler))
	p.Configure('"', popHandler)
	p.Configure('\\', escapeBegin)
}

// squoteBegin opens a single-quoted region with stricter escape rules:
// only \' and \" produce a bare quote; any other \X is kept as a literal
// \\X (the backslash is doubled).
func squoteBegin(p *Parser, c byte) {
	p.Push()
	p.ConfigureDefault(Handler(tokenAppendHandler))
	p.ConfigureNonASCII(Handler(tokenAppendHandler))
	p.Configure('\'', popHandler)
	p.Configure('\\', strictEscapeBegin)
}

func tokenAppendHandler(p *Parser, c byte) { p.TokenAppend(c) }
func popHandler(p *Parser, c byte)         { p.Pop() }

// commentBegin starts a '#'-to-end-of-line comment: every byte but '\n'
// is swallowed (discarded, not appended to any token); '\n' pops back out
// and is then re-fed so the enclosing grammar still sees the newline
// (e.g. to cut a token on whitespace).
func commentBegin(p *Parser, c byte) {
	p.Push()
	p.ConfigureDefault(discardHandler)
	p.ConfigureNonASCII(discardHandler)
	p.Configure('\n', commentEnd)
}

func discardHandler(p *Parser, c byte) {}

func commentEnd(p *Parser, c byte) {
	p.Pop()
	p.Feed('\n')
}

// escapeBegin starts a lenient (outside-quotes / double-quote) escape:
// the next byte is examined by escapeEnd.
func escapeBegin(p *Parser, c byte) {
	p.Push()
	p.ConfigureDefault(escapeEnd)
	p.ConfigureNonASCII(escapeEnd)
}

// escapeEnd implements \" and \' as bare quotes; any other \X — a
// backslash included — is kept as the literal two-byte sequence \X (so
// C-style escapes like \n survive tokenization unexpanded, to be
// interpreted later by the application-level escape expander).
func escapeEnd(p *Parser, c byte) {
	switch c {
	case '"', '\'':
		p.TokenAppend(c)
	default:
		p.TokenAppend('\\')
		p.TokenAppend(c)
	}
	p.Pop()
}

// strictEscapeBegin starts a single-quote escape: the next byte is
// examined by strictEscapeEnd.
func strictEscapeBegin(p *Parser, c byte) {
	p.Push()
	p.ConfigureDefault(strictEscapeEnd)
	p.ConfigureNonASCII(strictEscapeEnd)
}

// strictEscapeEnd implements the stricter single-quote escape rule: only
// \' and \" become a bare quote; everything else becomes \\X (backslash
// doubled, so a later escape pass sees a *literal* backslash followed by
// X, not an escape sequence).
func strictEscapeEnd(p *Parser, c byte) {
	switch c {
	case '\'', '"':
		p.TokenAppend(c)
	default:
		p.TokenAppend('\\')
		p.TokenAppend('\\')
		p.TokenAppend(c)
	}
	p.Pop()
}
