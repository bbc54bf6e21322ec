package fs

import (
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
)

// goBoundaries parses Go source and returns the first line of every top-level
// declaration, including its doc comment. ok is false when the file does not parse.
func goBoundaries(content string) ([]boundary, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, false
	}

	var bounds []boundary
	for _, decl := range file.Decls {
		pos := decl.Pos()
		var name string

		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Doc != nil {
				pos = d.Doc.Pos()
			}
			name = d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				if recv := receiverName(d.Recv.List[0].Type); recv != "" {
					name = recv + "." + name
				}
			}
		case *ast.GenDecl:
			if d.Doc != nil {
				pos = d.Doc.Pos()
			}
			name = genDeclName(d)
		}

		bounds = append(bounds, boundary{
			line:   fset.Position(pos).Line - 1,
			symbol: name,
		})
	}

	if len(bounds) == 0 {
		return nil, false
	}
	sort.SliceStable(bounds, func(i, j int) bool { return bounds[i].line < bounds[j].line })
	return bounds, true
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}

func genDeclName(d *ast.GenDecl) string {
	if d.Tok == token.IMPORT {
		return "imports"
	}
	if len(d.Specs) == 0 {
		return ""
	}
	switch s := d.Specs[0].(type) {
	case *ast.TypeSpec:
		return s.Name.Name
	case *ast.ValueSpec:
		if len(s.Names) > 0 {
			return s.Names[0].Name
		}
	}
	return ""
}
