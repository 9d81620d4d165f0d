// Package parser outlines Go source files using go/parser.
//
// The chunker asks for declaration boundaries so that chunks of Go files
// start at a function, method, type or value declaration (including its doc
// comment) whenever one falls inside the chunk window:
//
//	p := parser.New()
//	outline := p.Outline("server.go", src)
//	for _, d := range outline.Declarations {
//	    fmt.Printf("%s %s at line %d\n", d.Kind, d.Name, d.StartLine)
//	}
//
// Syntax errors do not fail the call. They are recorded in Outline.Errors
// and the declarations recovered before the error are still returned.
package parser
