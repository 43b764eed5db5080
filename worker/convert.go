package worker

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds nested tables when converting the result.
const maxConvertDepth = 64

// toLua converts a decoded JSON value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value into something encoding/json can marshal.
// Tables with keys 1..n become arrays, other tables objects. Values with no
// JSON form (functions, userdata, cycles, NaN) become their string form.
func fromLua(v lua.LValue) any {
	return convertValue(v, map[*lua.LTable]bool{}, 0)
}

func convertValue(v lua.LValue, seen map[*lua.LTable]bool, depth int) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return val.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if seen[val] || depth >= maxConvertDepth {
			return val.String()
		}
		seen[val] = true
		defer delete(seen, val)
		return convertTable(val, seen, depth+1)
	default:
		return v.String()
	}
}

func convertTable(t *lua.LTable, seen map[*lua.LTable]bool, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, convertValue(t.RawGetInt(i), seen, depth))
		}
		return arr
	}

	obj := make(map[string]any, count)
	t.ForEach(func(k, val lua.LValue) {
		obj[k.String()] = convertValue(val, seen, depth)
	})
	return obj
}
