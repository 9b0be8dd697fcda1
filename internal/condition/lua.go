// Package condition provides the transition guard evaluators: a sandboxed Lua
// expression evaluator and a JSON-path field matcher.
package condition

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/petrijr/nodeflow/pkg/api"
)

const (
	luaGlobalTableName = "_G"
	luaGlobalIndex     = -2
	luaTableIndex      = -3

	// luaMaxInstructions bounds the VM instructions of one evaluation.
	luaMaxInstructions = 100_000
	luaHookInterval    = 1_000
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

var luaReserved = []string{
	"and", "break", "do", "else", "elseif", "end", "false", "for", "function", "goto", "if", "in",
	"local", "nil", "not", "or", "repeat", "return", "then", "true", "until", "while",
}

var (
	luaIdent  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	luaReturn = regexp.MustCompile(`^return(\s|$)`)
)

// LuaEvaluator evaluates guards written as Lua expressions. The instance state
// is visible as the global table `state`, and every top-level key that is a
// valid Lua identifier is also bound as a global:
//
//	score >= 50 and state.region == "EU"
//
// An expression that starts with "return" is run as a chunk body instead.
// Every evaluation gets its own Lua state without io, os, debug or module
// loading, and is stopped after luaMaxInstructions VM instructions.
type LuaEvaluator struct{}

// NewLuaEvaluator creates a Lua guard evaluator.
func NewLuaEvaluator() *LuaEvaluator {
	return &LuaEvaluator{}
}

var _ api.ConditionEvaluator = (*LuaEvaluator)(nil)

func (e *LuaEvaluator) Evaluate(ctx context.Context, expression string, state api.StateData) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(expression) == "" {
		return false, fmt.Errorf("%w: empty expression", api.ErrConditionEvaluation)
	}

	L := newSandbox()
	bindState(L, state)
	if err := lua.LoadString(L, luaSource(expression)); err != nil {
		return false, fmt.Errorf("%w: %q: %w", api.ErrConditionEvaluation, expression, err)
	}
	limitInstructions(ctx, L)
	if err := L.ProtectedCall(0, 1, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("%w: %q: %w", api.ErrConditionEvaluation, expression, err)
	}
	return L.ToBoolean(-1), nil
}

func luaSource(expression string) string {
	body := strings.TrimSpace(expression)
	if luaReturn.MatchString(body) {
		return body
	}
	return "return (" + body + ")"
}

// bindState sets the global `state` and one global per identifier key. Keys
// are bound as globals rather than chunk locals so that state of any width
// stays within the Lua local variable limit.
func bindState(L *lua.State, state api.StateData) {
	pushLuaMap(L, state)
	for k := range state {
		if luaIdent.MatchString(k) && !slices.Contains(luaReserved, k) && k != "state" {
			L.Field(-1, k)
			L.SetGlobal(k)
		}
	}
	L.SetGlobal("state")
}

// limitInstructions raises a Lua error once the evaluation ran past its
// instruction budget or ctx is done.
func limitInstructions(ctx context.Context, L *lua.State) {
	steps := 0
	lua.SetDebugHook(L, func(l *lua.State, _ lua.Debug) {
		steps += luaHookInterval
		switch {
		case ctx.Err() != nil:
			l.PushString(ctx.Err().Error())
		case steps >= luaMaxInstructions:
			l.PushString(fmt.Sprintf("instruction budget of %d exceeded", luaMaxInstructions))
		default:
			return
		}
		l.Error()
	}, lua.MaskCount, luaHookInterval)
}

func newSandbox() *lua.State {
	L := lua.NewState()
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalIndex, name)
	}
	L.Pop(1)
	return L
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			L.PushInteger(i + 1)
			goToLua(L, item)
			L.SetTable(luaTableIndex)
		}
	case map[string]any:
		pushLuaMap(L, v)
	case api.StateData:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, v := range m {
		L.PushString(k)
		goToLua(L, v)
		L.SetTable(luaTableIndex)
	}
}
