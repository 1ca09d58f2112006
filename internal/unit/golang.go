package unit

import (
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

// analyzeGo inspects a Go source file without compiling it. Entry points are
// exported functions named after an HTTP method, an exported Handler function,
// or an exported Module function.
func analyzeGo(id, rel string, content []byte) (*Descriptor, *AnalysisError) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, rel, content, parser.SkipObjectResolution)
	if err != nil {
		return nil, &AnalysisError{Kind: ErrParse, Reason: "parse go source", Err: err}
	}
	var (
		methodFuncs []string
		hasHandler  bool
		hasModule   bool
	)
	consts := map[string]string{}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv != nil || !d.Name.IsExported() {
				continue
			}
			name := d.Name.Name
			switch {
			case IsMethod(name):
				methodFuncs = append(methodFuncs, name)
			case name == "Handler":
				hasHandler = true
			case name == "Module":
				hasModule = true
			}
		case *ast.GenDecl:
			if d.Tok != token.CONST {
				continue
			}
			collectStringConsts(d, consts)
		}
	}

	override := consts["Path"]
	switch {
	case len(methodFuncs) > 1:
		sort.Strings(methodFuncs)
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: "multiple entry points exported: " + strings.Join(methodFuncs, ", ")}
	case len(methodFuncs) == 1:
		return &Descriptor{Kind: KindHandler, Method: methodFuncs[0], EntryRef: methodFuncs[0], PathPattern: override}, nil
	case hasHandler:
		method := strings.ToUpper(strings.TrimSpace(consts["Method"]))
		if method == "" {
			method = "GET"
		}
		if !IsMethod(method) {
			return nil, &AnalysisError{Kind: ErrInvalid, Reason: "unsupported method " + strconv.Quote(method)}
		}
		return &Descriptor{Kind: KindHandler, Method: method, EntryRef: "Handler", PathPattern: override}, nil
	case hasModule || consts["Kind"] == string(KindModule):
		return &Descriptor{Kind: KindModule, EntryRef: "Module"}, nil
	}
	return nil, &AnalysisError{Kind: ErrNoEntry, Reason: "no entry point exported"}
}

func collectStringConsts(decl *ast.GenDecl, out map[string]string) {
	for _, spec := range decl.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		for i, name := range vs.Names {
			if i >= len(vs.Values) {
				break
			}
			lit, ok := vs.Values[i].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			value, err := strconv.Unquote(lit.Value)
			if err != nil {
				continue
			}
			out[name.Name] = value
		}
	}
}
