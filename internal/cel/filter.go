// Package cel compiles CEL expressions that select ledger events, as used
// by WebSocket subscriptions.
//
// An expression sees these variables:
//
//	kind      string  "created", "signed" or "revoked"
//	document  string  0x-prefixed lowercase document hash
//	actor     string  0x-prefixed lowercase address
//	position  int     ledger position
//	tx_ref    string  transaction reference, "" for the local ledger
//	at        timestamp
package cel

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/arc-sign/pkg/document"
)

// MaxExpressionLength bounds the source of a filter.
const MaxExpressionLength = 1024

// Filter is a compiled event predicate.
type Filter struct {
	expr    string
	program cel.Program
}

var env = mustEnv()

func mustEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("document", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("position", cel.IntType),
		cel.Variable("tx_ref", cel.StringType),
		cel.Variable("at", cel.TimestampType),
	)
	if err != nil {
		panic(fmt.Sprintf("cel env: %v", err))
	}
	return e
}

// Compile parses and type-checks expr. The expression must be boolean.
func Compile(expr string) (*Filter, error) {
	if len(expr) > MaxExpressionLength {
		return nil, fmt.Errorf("cel compile: expression longer than %d bytes", MaxExpressionLength)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("cel compile: expression yields %s, want bool", ast.OutputType())
	}

	prog, err := env.Program(ast, cel.CostLimit(10_000))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the filter against ev. Evaluation errors count as no
// match.
func (f *Filter) Match(ev document.Event) bool {
	out, _, err := f.program.Eval(Attributes(ev))
	if err != nil || out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Attributes is the variable binding for ev.
func Attributes(ev document.Event) map[string]any {
	return map[string]any{
		"kind":     string(ev.Kind),
		"document": ev.DocumentID.Hex(),
		"actor":    strings.ToLower(ev.Actor.Hex()),
		"position": int64(ev.Position),
		"tx_ref":   ev.TxRef,
		"at":       ev.At,
	}
}
