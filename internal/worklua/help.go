package worklua

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// stringify formats a script value for the log: numbers with %g, tables as
// {k=v} or, when they are sequences, as {v1, v2}.
func stringify(v lua.LValue) string {
	var b strings.Builder
	writeValue(&b, v, make(map[*lua.LTable]bool))
	return b.String()
}

func writeValue(b *strings.Builder, v lua.LValue, visited map[*lua.LTable]bool) {
	switch v := v.(type) {
	case lua.LString:
		b.WriteString(string(v))
	case lua.LNumber:
		fmt.Fprintf(b, "%g", float64(v))
	case lua.LBool:
		fmt.Fprint(b, bool(v))
	case *lua.LNilType:
		b.WriteString("nil")
	case *lua.LTable:
		if visited[v] {
			b.WriteString("{...}")
			return
		}
		visited[v] = true
		writeTable(b, v, visited)
	default:
		b.WriteString(v.Type().String())
	}
}

func writeTable(b *strings.Builder, t *lua.LTable, visited map[*lua.LTable]bool) {
	n := t.Len()
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		if i, ok := k.(lua.LNumber); ok && float64(i) >= 1 && float64(i) <= float64(n) && float64(i) == float64(int(i)) {
			return
		}
		keys = append(keys, k)
	})
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	b.WriteString("{")
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		writeValue(b, t.RawGetInt(i), visited)
	}
	for i, k := range keys {
		if i > 0 || n > 0 {
			b.WriteString(", ")
		}
		writeValue(b, k, visited)
		b.WriteString("=")
		writeValue(b, t.RawGet(k), visited)
	}
	b.WriteString("}")
}
