package jsvm

// node is an evaluable AST node.
type node interface {
	eval(vm *VM) (Value, error)
}

type (
	numberLit struct{ v float64 }
	stringLit struct{ v string }
	constLit  struct{ v Value }
	ident     struct{ name string }
	arrayLit  struct{ elems []node }
	objectLit struct {
		keys   []string
		values []node
	}
	member struct {
		object   node
		property node // evaluated key; a stringLit for dotted access
	}
	call struct {
		callee node
		args   []node
	}
	unary struct {
		op      string
		operand node
	}
	binary struct {
		op          string
		left, right node
	}
	logical struct {
		op          string
		left, right node
	}
	conditional struct {
		test, consequent, alternate node
	}
	assign struct {
		op     string // "=" or a compound operator such as "+="
		target node   // *ident or *member
		value  node
	}
	sequence struct{ exprs []node }

	varDecl struct {
		names []string
		inits []node // nil entries for declarations without initialiser
	}
	exprStmt struct{ expr node }
	emptyStmt struct{}
)

// maxNesting bounds how deeply expressions may nest inside one another.
const maxNesting = 256

type parser struct {
	toks  []token
	pos   int
	depth int
}

func parse(src string) ([]node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var program []node
	for !p.at(tokEOF, "") {
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		program = append(program, stmt)
	}
	return program, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

// enter guards one level of recursive descent; every successful call is
// paired with leave.
func (p *parser) enter() error {
	if p.depth >= maxNesting {
		return syntaxErrorf(p.peek().pos, "expression nested deeper than %d levels", maxNesting)
	}
	p.depth++
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// at reports whether the current token has the kind and, when text is set, the text.
func (p *parser) at(kind tokenKind, text string) bool {
	t := p.peek()
	return t.kind == kind && (text == "" || t.text == text)
}

func (p *parser) atPunct(texts ...string) bool {
	t := p.peek()
	if t.kind != tokPunct {
		return false
	}
	for _, s := range texts {
		if t.text == s {
			return true
		}
	}
	return false
}

func (p *parser) expect(text string) error {
	if !p.atPunct(text) {
		return p.unexpected()
	}
	p.advance()
	return nil
}

func (p *parser) unexpected() error {
	t := p.peek()
	if t.kind == tokEOF {
		return syntaxErrorf(t.pos, "unexpected end of input")
	}
	what := t.text
	if t.kind == tokNumber {
		what = FormatNumber(t.num)
	}
	return syntaxErrorf(t.pos, "unexpected token %q", what)
}

// terminate consumes a statement terminator, applying automatic semicolon
// insertion at line breaks, closing braces and end of input.
func (p *parser) terminate() error {
	switch {
	case p.atPunct(";"):
		p.advance()
		return nil
	case p.at(tokEOF, ""), p.atPunct("}"), p.peek().nl:
		return nil
	}
	return p.unexpected()
}

func (p *parser) statement() (node, error) {
	if p.atPunct(";") {
		p.advance()
		return emptyStmt{}, nil
	}
	if p.at(tokIdent, "var") || p.at(tokIdent, "let") || p.at(tokIdent, "const") {
		p.advance()
		decl, err := p.varDeclaration()
		if err != nil {
			return nil, err
		}
		return decl, p.terminate()
	}
	expr, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &exprStmt{expr: expr}, p.terminate()
}

func (p *parser) varDeclaration() (node, error) {
	decl := &varDecl{}
	for {
		t := p.peek()
		if t.kind != tokIdent {
			return nil, p.unexpected()
		}
		p.advance()
		var init node
		if p.atPunct("=") {
			p.advance()
			var err error
			if init, err = p.assignment(); err != nil {
				return nil, err
			}
		}
		decl.names = append(decl.names, t.text)
		decl.inits = append(decl.inits, init)
		if !p.atPunct(",") {
			return decl, nil
		}
		p.advance()
	}
}

func (p *parser) expression() (node, error) {
	first, err := p.assignment()
	if err != nil {
		return nil, err
	}
	if !p.atPunct(",") {
		return first, nil
	}
	seq := &sequence{exprs: []node{first}}
	for p.atPunct(",") {
		p.advance()
		next, err := p.assignment()
		if err != nil {
			return nil, err
		}
		seq.exprs = append(seq.exprs, next)
	}
	return seq, nil
}

func (p *parser) assignment() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	left, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if !p.atPunct("=", "+=", "-=", "*=", "/=", "%=") {
		return left, nil
	}
	switch left.(type) {
	case *ident, *member:
	default:
		return nil, syntaxErrorf(p.peek().pos, "invalid assignment target")
	}
	op := p.advance().text
	value, err := p.assignment()
	if err != nil {
		return nil, err
	}
	return &assign{op: op, target: left, value: value}, nil
}

func (p *parser) conditional() (node, error) {
	test, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	if !p.atPunct("?") {
		return test, nil
	}
	p.advance()
	consequent, err := p.assignment()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	alternate, err := p.assignment()
	if err != nil {
		return nil, err
	}
	return &conditional{test: test, consequent: consequent, alternate: alternate}, nil
}

func (p *parser) logicalOr() (node, error) {
	left, err := p.logicalAnd()
	for err == nil && p.atPunct("||") {
		p.advance()
		var right node
		if right, err = p.logicalAnd(); err == nil {
			left = &logical{op: "||", left: left, right: right}
		}
	}
	return left, err
}

func (p *parser) logicalAnd() (node, error) {
	left, err := p.binaryLevel(0)
	for err == nil && p.atPunct("&&") {
		p.advance()
		var right node
		if right, err = p.binaryLevel(0); err == nil {
			left = &logical{op: "&&", left: left, right: right}
		}
	}
	return left, err
}

// Binary operator precedence levels, lowest first.
var binaryLevels = [][]string{
	{"==", "!=", "===", "!=="},
	{"<", ">", "<=", ">="},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *parser) binaryLevel(level int) (node, error) {
	if level == len(binaryLevels) {
		return p.unaryExpr()
	}
	left, err := p.binaryLevel(level + 1)
	for err == nil && p.atPunct(binaryLevels[level]...) {
		op := p.advance().text
		var right node
		if right, err = p.binaryLevel(level + 1); err == nil {
			left = &binary{op: op, left: left, right: right}
		}
	}
	return left, err
}

func (p *parser) unaryExpr() (node, error) {
	if p.atPunct("+", "-", "!") || p.at(tokIdent, "typeof") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		op := p.advance().text
		operand, err := p.unaryExpr()
		if err != nil {
			return nil, err
		}
		return &unary{op: op, operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	expr, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.atPunct("."):
			p.advance()
			t := p.peek()
			if t.kind != tokIdent {
				return nil, p.unexpected()
			}
			p.advance()
			expr = &member{object: expr, property: &stringLit{v: t.text}}
		case p.atPunct("["):
			p.advance()
			prop, err := p.expression()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			expr = &member{object: expr, property: prop}
		case p.atPunct("("):
			p.advance()
			args, err := p.list(")")
			if err != nil {
				return nil, err
			}
			expr = &call{callee: expr, args: args}
		default:
			return expr, nil
		}
	}
}

// list parses comma separated assignments up to and including the closing punctuator.
func (p *parser) list(closing string) ([]node, error) {
	var items []node
	for !p.atPunct(closing) {
		item, err := p.assignment()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if !p.atPunct(",") {
			break
		}
		p.advance()
	}
	return items, p.expect(closing)
}

func (p *parser) primary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.advance()
		return &numberLit{v: t.num}, nil
	case tokString:
		p.advance()
		return &stringLit{v: t.text}, nil
	case tokIdent:
		p.advance()
		switch t.text {
		case "true":
			return &constLit{v: true}, nil
		case "false":
			return &constLit{v: false}, nil
		case "null":
			return &constLit{v: Null}, nil
		case "undefined":
			return &constLit{v: Undefined}, nil
		case "function", "new", "this", "while", "for", "do", "return", "throw", "try", "class", "eval", "with", "import":
			return nil, syntaxErrorf(t.pos, "unsupported keyword %q", t.text)
		}
		return &ident{name: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			p.advance()
			expr, err := p.expression()
			if err != nil {
				return nil, err
			}
			return expr, p.expect(")")
		case "[":
			p.advance()
			elems, err := p.list("]")
			if err != nil {
				return nil, err
			}
			return &arrayLit{elems: elems}, nil
		case "{":
			p.advance()
			return p.objectLiteral()
		}
	}
	return nil, p.unexpected()
}

func (p *parser) objectLiteral() (node, error) {
	obj := &objectLit{}
	for !p.atPunct("}") {
		t := p.advance()
		var key string
		switch t.kind {
		case tokIdent, tokString:
			key = t.text
		case tokNumber:
			key = FormatNumber(t.num)
		default:
			return nil, syntaxErrorf(t.pos, "invalid property name")
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		value, err := p.assignment()
		if err != nil {
			return nil, err
		}
		obj.keys = append(obj.keys, key)
		obj.values = append(obj.values, value)
		if !p.atPunct(",") {
			break
		}
		p.advance()
	}
	return obj, p.expect("}")
}
