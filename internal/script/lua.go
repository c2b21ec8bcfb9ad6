// Package script evaluates sandboxed Lua predicates that decide whether a
// workflow step runs
package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"
)

type (
	// LuaEnv compiles and evaluates Lua predicates, pooling interpreter
	// states between evaluations
	LuaEnv struct {
		statePool chan *lua.State
	}

	// Predicate is a compiled Lua predicate. The script sees the workflow
	// context as the local table ctx and must return a truthy value for the
	// step to run
	Predicate struct {
		source   string
		bytecode []byte
	}
)

const (
	luaStatePoolSize    = 10
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
	luaGlobalTableName  = "_G"
	luaContextLocal     = "local ctx = select(1, ...)"
	luaReturnKeyword    = "return"
	luaSeparator        = "\n"
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
	ErrLuaContext   = errors.New("lua context conversion error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

var defaultEnv = NewLuaEnv()

// NewLuaEnv creates a Lua predicate environment
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{
		statePool: make(chan *lua.State, luaStatePoolSize),
	}
}

// Default returns the process-wide Lua environment
func Default() *LuaEnv {
	return defaultEnv
}

// Compile parses src into a predicate. A script without a return statement is
// treated as a single expression
func (e *LuaEnv) Compile(src string) (*Predicate, error) {
	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, wrapSource(src)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	return &Predicate{
		source:   src,
		bytecode: buf.Bytes(),
	}, nil
}

// Evaluate runs the predicate against a context. Values are normalized
// through JSON so that the script sees plain tables, strings, numbers and
// booleans
func (e *LuaEnv) Evaluate(p *Predicate, ctx any) (bool, error) {
	values, err := normalize(ctx)
	if err != nil {
		return false, err
	}

	L := e.getState()
	defer e.returnState(L)

	e.setupSandbox(L)
	if err := L.Load(bytes.NewReader(p.bytecode), "predicate", "b"); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	goToLua(L, values)
	if err := L.ProtectedCall(1, 1, 0); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}

	res := L.ToBoolean(-1)
	L.Pop(1)
	return res, nil
}

// Source returns the script the predicate was compiled from
func (p *Predicate) Source() string {
	return p.source
}

func wrapSource(src string) string {
	body := strings.TrimSpace(src)
	if !strings.Contains(body, luaReturnKeyword) {
		body = luaReturnKeyword + " " + body
	}
	return strings.Join([]string{luaContextLocal, body}, luaSeparator)
}

func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (e *LuaEnv) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func normalize(ctx any) (any, error) {
	if ctx == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaContext, err)
	}
	var res any
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaContext, err)
	}
	return res, nil
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
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaArrayTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaMapTableIndex)
	}
}
