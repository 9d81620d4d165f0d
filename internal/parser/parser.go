package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
)

// DeclKind classifies a top-level declaration.
type DeclKind string

const (
	KindFunction DeclKind = "function"
	KindMethod   DeclKind = "method"
	KindType     DeclKind = "type"
	KindConst    DeclKind = "const"
	KindVar      DeclKind = "var"
	KindImport   DeclKind = "import"
)

// Declaration is one top-level declaration of a Go file. Offset includes
// the attached doc comment so a boundary never separates the two.
type Declaration struct {
	Kind      DeclKind
	Name      string
	Receiver  string
	Offset    int
	EndOffset int
	StartLine int
	EndLine   int
}

// Outline is the top-level structure of a Go file.
type Outline struct {
	PackageName  string
	Declarations []Declaration
	Errors       []string
}

// Parser handles AST-based outlining of Go source
type Parser struct {
	fset *token.FileSet
}

// New creates a new Parser instance
func New() *Parser {
	return &Parser{
		fset: token.NewFileSet(),
	}
}

// Outline parses src and lists its top-level declarations in source order.
// Syntax errors are recorded on the outline; whatever declarations the
// parser recovered are still returned.
func (p *Parser) Outline(filename string, src []byte) *Outline {
	out := &Outline{}

	file, err := parser.ParseFile(p.fset, filename, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("syntax error: %v", err))
	}
	if file == nil {
		return out
	}
	if file.Name != nil {
		out.PackageName = file.Name.Name
	}

	tf := p.fset.File(file.Pos())
	if tf == nil {
		return out
	}

	for _, decl := range file.Decls {
		d, ok := p.declaration(tf, decl)
		if !ok {
			continue
		}
		out.Declarations = append(out.Declarations, d)
	}

	sort.SliceStable(out.Declarations, func(i, j int) bool {
		return out.Declarations[i].Offset < out.Declarations[j].Offset
	})
	return out
}

// Boundaries returns the byte offsets at which top-level declarations of
// src begin. Offset 0 is never included.
func (p *Parser) Boundaries(src []byte) []int {
	outline := p.Outline("src.go", src)
	offsets := make([]int, 0, len(outline.Declarations))
	for _, d := range outline.Declarations {
		if d.Offset > 0 && d.Offset < len(src) {
			offsets = append(offsets, d.Offset)
		}
	}
	return offsets
}

func (p *Parser) declaration(tf *token.File, decl ast.Decl) (Declaration, bool) {
	var (
		d   Declaration
		doc *ast.CommentGroup
	)

	switch n := decl.(type) {
	case *ast.FuncDecl:
		doc = n.Doc
		d.Name = n.Name.Name
		d.Kind = KindFunction
		if n.Recv != nil && len(n.Recv.List) > 0 {
			d.Kind = KindMethod
			d.Receiver = receiverType(n.Recv.List[0].Type)
		}
	case *ast.GenDecl:
		doc = n.Doc
		switch n.Tok {
		case token.TYPE:
			d.Kind = KindType
		case token.CONST:
			d.Kind = KindConst
		case token.VAR:
			d.Kind = KindVar
		case token.IMPORT:
			d.Kind = KindImport
		}
		d.Name = firstSpecName(n)
	default:
		// *ast.BadDecl
		return d, false
	}

	start := decl.Pos()
	if doc != nil && doc.Pos() < start {
		start = doc.Pos()
	}
	end := decl.End()
	if !start.IsValid() || !end.IsValid() {
		return d, false
	}

	d.Offset = tf.Offset(start)
	d.EndOffset = tf.Offset(end)
	d.StartLine = tf.Line(start)
	d.EndLine = tf.Line(end)
	return d, true
}

// receiverType extracts the receiver type name from a method
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func firstSpecName(g *ast.GenDecl) string {
	if len(g.Specs) == 0 {
		return ""
	}
	switch s := g.Specs[0].(type) {
	case *ast.TypeSpec:
		return s.Name.Name
	case *ast.ValueSpec:
		if len(s.Names) > 0 {
			return s.Names[0].Name
		}
	case *ast.ImportSpec:
		if s.Path != nil {
			return s.Path.Value
		}
	}
	return ""
}
