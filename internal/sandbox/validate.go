// Package sandbox - static safety validation of transformation programs.
// Programs are parsed and inspected before any evaluation: a program that
// reaches for the filesystem, network, clock, or randomness is rejected up
// front rather than trusted to fail at runtime.
package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// allowedImports is the explicit capability allow-list: packages needed for
// data transformation (numeric, string/regex, structured-data parsing,
// date/time parsing) and nothing with ambient authority.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"errors":          true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
	"unicode/utf8":    true,
	"encoding/json":   true,
	"encoding/csv":    true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"time":            true, // parsing/formatting only; clock reads are rejected below

	// EXPLICITLY BLOCKED (ambient capabilities):
	// "os", "os/exec" - filesystem / process execution
	// "net", "net/http" - network access
	// "io", "bufio" - stream access to ambient handles
	// "syscall", "unsafe", "reflect", "runtime"
	// "math/rand", "crypto/rand" - nondeterminism
}

// forbiddenCalls are functions that break determinism or isolation even
// within allowed packages, keyed by resolved import path. Given identical
// program + bindings the result must be reproducible, so clock reads are
// treated like any other ambient capability. Keying by path rather than by
// the literal identifier means an aliased import (`t "time"`) resolves to
// the same deny entry.
var forbiddenCalls = map[string]map[string]bool{
	"time": {
		"Now":       true,
		"Since":     true,
		"Until":     true,
		"Tick":      true,
		"After":     true,
		"AfterFunc": true,
		"Sleep":     true,
		"NewTicker": true,
		"NewTimer":  true,
	},
}

// ValidateProgram statically checks a transformation program. It must parse
// as Go, import only allow-listed packages, avoid forbidden calls, and
// define func Transform(input string) (string, error).
func ValidateProgram(program string) error {
	src := wrapProgram(program)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "transform.go", src, 0)
	if err != nil {
		return fmt.Errorf("program does not parse: %w", err)
	}

	var violations []string

	// Resolve each import's local name to its path so the forbidden-call
	// check sees the real package behind any alias.
	importPaths := map[string]string{}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !allowedImports[path] {
			violations = append(violations, fmt.Sprintf("forbidden import %q", path))
			continue
		}

		name := path
		if i := strings.LastIndex(path, "/"); i >= 0 {
			name = path[i+1:]
		}
		if imp.Name != nil {
			switch imp.Name.Name {
			case ".":
				// Dot imports erase the selector entirely, which would let
				// a bare Now() through unchecked.
				violations = append(violations, fmt.Sprintf("dot import of %q is not permitted", path))
				continue
			case "_":
				continue
			default:
				name = imp.Name.Name
			}
		}
		importPaths[name] = path
	}

	hasTransform := false
	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			if node.Name.Name == "Transform" && node.Recv == nil {
				hasTransform = true
			}
		case *ast.SelectorExpr:
			if ident, ok := node.X.(*ast.Ident); ok {
				if funcs, ok := forbiddenCalls[importPaths[ident.Name]]; ok && funcs[node.Sel.Name] {
					violations = append(violations, fmt.Sprintf("forbidden call %s.%s", ident.Name, node.Sel.Name))
				}
			}
		case *ast.GoStmt:
			violations = append(violations, "goroutines are not permitted")
		}
		return true
	})

	if !hasTransform {
		violations = append(violations, "program must define func Transform(input string) (string, error)")
	}

	if len(violations) > 0 {
		return fmt.Errorf("program rejected: %s", strings.Join(violations, "; "))
	}
	return nil
}

// wrapProgram wraps the program body in a main package if needed.
func wrapProgram(program string) string {
	if strings.Contains(program, "package main") {
		return program
	}
	return "package main\n\n" + program
}
