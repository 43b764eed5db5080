package worker

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/isdmx/saferun/policy"
)

// Names that input data and extra globals can never overwrite.
var reservedNames = map[string]bool{
	"_G":         true,
	"_ENV":       true,
	"input_data": true,
	"result":     true,
	"require":    true,
}

// Names that read as nil instead of raising NameError when unset.
var declaredNames = map[string]bool{
	"input_data": true,
	"result":     true,
}

// Base library entries that never reach sandboxed code.
var hiddenBuiltins = map[string]bool{
	"_G":         true,
	"_printregs": true,
	"require":    true,
	"module":     true,
}

var luaKeywords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "goto": true,
	"if": true, "in": true, "local": true, "nil": true, "not": true,
	"or": true, "repeat": true, "return": true, "then": true, "true": true,
	"until": true, "while": true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type stdModule struct {
	name string
	open lua.LGFunction
}

var standardModules = []stdModule{
	{lua.StringLibName, lua.OpenString},
	{lua.TabLibName, lua.OpenTable},
	{lua.MathLibName, lua.OpenMath},
	{lua.CoroutineLibName, lua.OpenCoroutine},
	{lua.OsLibName, lua.OpenOs},
	{lua.IoLibName, lua.OpenIo},
	{lua.DebugLibName, lua.OpenDebug},
	{lua.ChannelLibName, lua.OpenChannel},
}

// session is one interpreter configured for one request.
type session struct {
	L        *lua.LState
	policy   policy.Policy
	env      *lua.LTable
	modules  map[string]lua.LValue
	luaPath  []string
	memLimit uint64
	watchdog *heapWatchdog

	stdout *boundedBuffer
	stderr *boundedBuffer

	exitSignal    *lua.LUserData
	exitRequested bool
	exitPayload   lua.LValue
}

func newSession(p policy.Policy, luaPath string, watchdog *heapWatchdog) *session {
	outputLimit := p.MaxOutputKB * 1024
	s := &session{
		L: lua.NewState(lua.Options{
			SkipOpenLibs:    true,
			CallStackSize:   200,
			RegistrySize:    1024 * 4,
			RegistryMaxSize: 1024 * 256,
		}),
		policy:      p,
		modules:     map[string]lua.LValue{},
		luaPath:     strings.Split(luaPath, ";"),
		memLimit:    uint64(p.MemoryLimitMB) * 1024 * 1024,
		watchdog:    watchdog,
		stdout:      newBoundedBuffer(outputLimit),
		stderr:      newBoundedBuffer(outputLimit),
		exitPayload: lua.LNil,
	}
	s.build()
	return s
}

func (s *session) close() {
	s.L.Close()
}

// build opens the permitted libraries, assembles the filtered environment
// and makes it the only global table the state can reach.
func (s *session) build() {
	L := s.L
	L.Push(L.NewFunction(lua.OpenBase))
	L.Push(lua.LString(lua.BaseLibName))
	L.Call(1, 0)

	for _, m := range standardModules {
		if !s.policy.AllowsImport(m.name) {
			continue
		}
		L.Push(L.NewFunction(m.open))
		L.Push(lua.LString(m.name))
		L.Call(1, 1)
		s.modules[m.name] = L.Get(-1)
		L.Pop(1)
	}
	s.patchModules()

	s.exitSignal = L.NewUserData()
	s.exitSignal.Value = "exit"
	signalMeta := L.NewTable()
	signalMeta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("exit"))
		return 1
	}))
	L.SetMetatable(s.exitSignal, signalMeta)

	original := L.G.Global
	catalogue := map[string]lua.LValue{}
	original.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok || hiddenBuiltins[string(name)] {
			return
		}
		if _, isModule := s.modules[string(name)]; isModule {
			return
		}
		catalogue[string(name)] = v
	})
	catalogue["print"] = L.NewFunction(s.print)
	catalogue["pcall"] = L.NewFunction(s.pcall)
	catalogue["xpcall"] = L.NewFunction(s.xpcall)
	catalogue["exit"] = L.NewFunction(s.exit)

	env := L.NewTable()
	for name, v := range catalogue {
		if s.policy.AllowsBuiltin(name) {
			env.RawSetString(name, v)
		}
	}
	env.RawSetString("require", L.NewFunction(s.require))
	if s.policy.AllowsBuiltin("_G") {
		env.RawSetString("_G", env)
	}

	meta := L.NewTable()
	meta.RawSetString("__index", L.NewFunction(s.undefinedGlobal))
	L.SetMetatable(env, meta)

	clearTable(original)
	if loaded, ok := L.G.Registry.RawGetString("_LOADED").(*lua.LTable); ok {
		clearTable(loaded)
		for name, mod := range s.modules {
			loaded.RawSetString(name, mod)
		}
		loaded.RawSetString("_G", env)
	}

	L.G.Global = env
	L.Env = env
	s.env = env
}

// patchModules replaces the library entries that would bypass the captured
// streams, terminate the process or allocate unbounded memory.
func (s *session) patchModules() {
	L := s.L
	if mod, ok := s.modules[lua.StringLibName].(*lua.LTable); ok {
		mod.RawSetString("rep", L.NewFunction(s.stringRep))
	}
	if mod, ok := s.modules[lua.OsLibName].(*lua.LTable); ok {
		mod.RawSetString("exit", L.NewFunction(s.exit))
	}
	if mod, ok := s.modules[lua.IoLibName].(*lua.LTable); ok {
		s.modules[lua.IoLibName] = s.capturedIO(mod)
	}
	if mod, ok := s.modules[lua.CoroutineLibName].(*lua.LTable); ok {
		if resume, ok := mod.RawGetString("resume").(*lua.LFunction); ok {
			mod.RawSetString("resume", L.NewFunction(s.guardedResume(resume)))
		}
	}
}

// seed installs input_data, the filtered extra globals and each injectable
// top-level input key.
func (s *session) seed(input any) {
	L := s.L
	s.env.RawSetString("input_data", toLua(L, input))

	for name, v := range s.policy.ExtraGlobals {
		if reservedNames[name] || !s.policy.AllowsGlobal(name) {
			continue
		}
		s.env.RawSetString(name, toLua(L, v))
	}

	fields, ok := input.(map[string]any)
	if !ok {
		return
	}
	for name, v := range fields {
		if !s.injectable(name) {
			continue
		}
		s.env.RawSetString(name, toLua(L, v))
	}
}

func (s *session) injectable(name string) bool {
	if !identifierPattern.MatchString(name) || luaKeywords[name] {
		return false
	}
	if strings.HasPrefix(name, "_") || reservedNames[name] {
		return false
	}
	if !s.policy.AllowsGlobal(name) {
		return false
	}
	return s.env.RawGetString(name) == lua.LNil
}

func (s *session) require(L *lua.LState) int {
	name := L.CheckString(1)
	root, _, _ := strings.Cut(name, ".")

	if !s.policy.AllowsImport(root) {
		verb := "blocked"
		if s.policy.Mode == policy.ModeAllow && root != policy.ReflectiveImporter {
			verb = "not allowed"
		}
		raise(L, "ImportError", fmt.Sprintf("Import '%s' is %s by policy", root, verb))
		return 0
	}

	if mod, ok := s.modules[name]; ok {
		L.Push(mod)
		return 1
	}
	if mod, ok := s.loadFromPath(L, name); ok {
		s.modules[name] = mod
		L.Push(mod)
		return 1
	}
	raise(L, "ImportError", fmt.Sprintf("No module named '%s'", name))
	return 0
}

// loadFromPath runs a Lua module found on the search path inside the
// sandbox environment, so it is subject to the same policy.
func (s *session) loadFromPath(L *lua.LState, name string) (lua.LValue, bool) {
	rel := strings.ReplaceAll(name, ".", "/")
	for _, tmpl := range s.luaPath {
		if tmpl == "" {
			continue
		}
		candidate := strings.ReplaceAll(tmpl, "?", rel)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		fn, err := L.LoadFile(candidate)
		if err != nil {
			raise(L, "ImportError", fmt.Sprintf("failed to load module '%s': %v", name, err))
		}
		L.Push(fn)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		mod := L.Get(-1)
		L.Pop(1)
		if mod == lua.LNil {
			mod = lua.LTrue
		}
		return mod, true
	}
	return nil, false
}

func (s *session) undefinedGlobal(L *lua.LState) int {
	key := L.Get(2)
	if name, ok := key.(lua.LString); ok && declaredNames[string(name)] {
		L.Push(lua.LNil)
		return 1
	}
	raise(L, "NameError", fmt.Sprintf("name '%s' is not defined", key.String()))
	return 0
}

func (s *session) print(L *lua.LState) int {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		if i > 1 {
			s.stdout.WriteString("\t")
		}
		s.stdout.WriteString(L.ToStringMeta(L.Get(i)).String())
	}
	s.stdout.WriteString("\n")
	return 0
}

func (s *session) exit(L *lua.LState) int {
	s.exitRequested = true
	s.exitPayload = L.Get(1)
	L.Error(s.exitSignal, 0)
	return 0
}

func (s *session) pcall(L *lua.LState) int {
	L.CheckAny(1)
	nargs := L.GetTop() - 1
	if err := L.PCall(nargs, lua.MultRet, nil); err != nil {
		obj := errorValue(err)
		s.propagate(L, obj)
		L.Push(lua.LFalse)
		L.Push(obj)
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

func (s *session) xpcall(L *lua.LState) int {
	fn := L.CheckFunction(1)
	handler := L.CheckFunction(2)
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, handler); err != nil {
		obj := errorValue(err)
		s.propagate(L, obj)
		L.Push(lua.LFalse)
		L.Push(obj)
		return 2
	}
	L.Insert(lua.LTrue, top+1)
	return L.GetTop() - top
}

func (s *session) guardedResume(resume *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		L.Push(resume)
		for i := 1; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top, lua.MultRet)
		s.propagate(L, lua.LString("coroutine aborted"))
		return L.GetTop() - top
	}
}

// propagate re-raises errors that protected calls must not swallow: an exit
// request and an aborted interpreter.
func (s *session) propagate(L *lua.LState, obj lua.LValue) {
	if s.exitRequested {
		L.Error(s.exitSignal, 0)
	}
	if ctx := L.Context(); (ctx != nil && ctx.Err() != nil) || s.watchdog.Exceeded() {
		L.Error(obj, 0)
	}
}

func (s *session) stringRep(L *lua.LState) int {
	str := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 || len(str) == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	size := uint64(len(str)) * uint64(n)
	if size/uint64(n) != uint64(len(str)) || size > s.memLimit {
		s.watchdog.Trip()
		raise(L, "MemoryError", "string.rep result exceeds the memory limit")
		return 0
	}
	L.Push(lua.LString(strings.Repeat(str, n)))
	return 1
}

// capturedIO keeps the file functions of the io library and routes the
// standard streams into the capture buffers.
func (s *session) capturedIO(orig *lua.LTable) *lua.LTable {
	L := s.L
	mod := L.NewTable()
	for _, name := range []string{"open", "type", "tmpfile"} {
		mod.RawSetString(name, orig.RawGetString(name))
	}
	if lines, ok := orig.RawGetString("lines").(*lua.LFunction); ok {
		mod.RawSetString("lines", L.NewFunction(func(L *lua.LState) int {
			L.CheckString(1)
			L.Push(lines)
			L.Push(L.Get(1))
			L.Call(1, lua.MultRet)
			return L.GetTop() - 1
		}))
	}

	stdout := s.newStream(s.stdout)
	stderr := s.newStream(s.stderr)
	mod.RawSetString("stdout", stdout)
	mod.RawSetString("stderr", stderr)
	mod.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		writeArgs(L, 1, s.stdout)
		L.Push(stdout)
		return 1
	}))
	mod.RawSetString("output", L.NewFunction(func(L *lua.LState) int {
		if L.GetTop() > 0 {
			raise(L, "IOError", "io.output redirection is not supported")
		}
		L.Push(stdout)
		return 1
	}))
	mod.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNil)
		return 1
	}))
	return mod
}

func (s *session) newStream(buf *boundedBuffer) *lua.LTable {
	L := s.L
	self := func(L *lua.LState) int {
		L.Push(L.Get(1))
		return 1
	}
	methods := L.NewTable()
	methods.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		writeArgs(L, 2, buf)
		L.Push(L.Get(1))
		return 1
	}))
	methods.RawSetString("flush", L.NewFunction(self))
	methods.RawSetString("setvbuf", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LTrue)
		return 1
	}))

	stream := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", methods)
	meta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("file (captured)"))
		return 1
	}))
	L.SetMetatable(stream, meta)
	return stream
}

func writeArgs(L *lua.LState, start int, buf *boundedBuffer) {
	for i := start; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case lua.LString, lua.LNumber:
			buf.WriteString(v.String())
		default:
			L.ArgError(i, "string expected, got "+v.Type().String())
		}
	}
}

// raise throws a typed error without position information.
func raise(L *lua.LState, kind, message string) {
	L.Error(lua.LString(kind+": "+message), 0)
}

func errorValue(err error) lua.LValue {
	if apiErr, ok := err.(*lua.ApiError); ok {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}

func clearTable(t *lua.LTable) {
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) { keys = append(keys, k) })
	for _, k := range keys {
		t.RawSet(k, lua.LNil)
	}
}

// run executes the compiled chunk under ctx and classifies how it ended.
func (s *session) run(ctx context.Context, proto *lua.FunctionProto) outcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watchdog.Watch(runCtx, cancel)

	s.L.SetContext(runCtx)
	s.L.Push(s.L.NewFunctionFromProto(proto))
	err := s.L.PCall(0, 0, nil)

	switch {
	case s.watchdog.Exceeded():
		return outcome{kind: outcomeExhausted}
	case s.exitRequested:
		return outcome{kind: outcomeExited, value: s.env.RawGetString("result"), exitPayload: s.exitPayload}
	case err != nil:
		return classifyError(err)
	default:
		return outcome{kind: outcomeCompleted, value: s.env.RawGetString("result")}
	}
}
