package compute

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/shdr_adapter/cache"
)

type expression struct {
	source  string
	program *vm.Program
	keys    []string
}

// compileExpression rewrites <symbol> references into value() calls for the
// device, compiles the result and collects every literal key the expression
// reads.
func compileExpression(deviceID, source string) (*expression, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	processed := expandSymbols(deviceID, trimmed)
	tree, err := parser.Parse(processed)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(processed, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	collector := &keyCollector{}
	ast.Walk(&tree.Node, collector)
	return &expression{source: trimmed, program: program, keys: collector.keys}, nil
}

func (e *expression) eval(view cache.View) (any, error) {
	scope := &exprScope{view: view}
	env := map[string]interface{}{
		"value": scope.value,
		"has":   scope.has,
	}
	result, err := vm.Run(e.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	return result, nil
}

type exprScope struct {
	view cache.View
}

func (s *exprScope) value(key string) interface{} {
	value, _ := s.view.Get(key)
	return value
}

func (s *exprScope) has(key string) bool {
	return s.view.Has(key)
}

// keyCollector records the string literal arguments of value() and has()
// calls.
type keyCollector struct {
	keys []string
}

func (c *keyCollector) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok || len(call.Arguments) != 1 {
		return
	}
	callee, ok := call.Callee.(*ast.IdentifierNode)
	if !ok || (callee.Value != "value" && callee.Value != "has") {
		return
	}
	if arg, ok := call.Arguments[0].(*ast.StringNode); ok && arg.Value != "" {
		c.keys = append(c.keys, arg.Value)
	}
}

// expandSymbols replaces <symbol> with value("<deviceID>-<symbol>") outside
// of string literals. A symbol starts with a letter or underscore and may
// contain letters, digits, '_', '-' and '.'.
func expandSymbols(deviceID, input string) string {
	var builder strings.Builder
	inSingle := false
	inDouble := false
	escaped := false
	for idx := 0; idx < len(input); idx++ {
		ch := input[idx]
		if escaped {
			escaped = false
			builder.WriteByte(ch)
			continue
		}
		switch ch {
		case '\\':
			if inSingle || inDouble {
				escaped = true
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '<':
			if inSingle || inDouble {
				break
			}
			if end := symbolEnd(input, idx+1); end > 0 {
				symbol := input[idx+1 : end]
				fmt.Fprintf(&builder, "value(%q)", Key(deviceID, symbol))
				idx = end
				continue
			}
		}
		builder.WriteByte(ch)
	}
	return builder.String()
}

// symbolEnd returns the index of the closing '>' of a symbol starting at
// start, or -1.
func symbolEnd(input string, start int) int {
	if start >= len(input) || !isSymbolStart(input[start]) {
		return -1
	}
	for idx := start + 1; idx < len(input); idx++ {
		ch := input[idx]
		if ch == '>' {
			return idx
		}
		if !isSymbolRune(ch) {
			return -1
		}
	}
	return -1
}

func isSymbolStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isSymbolRune(ch byte) bool {
	return isSymbolStart(ch) || (ch >= '0' && ch <= '9') || ch == '-' || ch == '.'
}
