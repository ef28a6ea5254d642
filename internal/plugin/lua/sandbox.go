package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Globals removed from every state. They load code from disk or strings.
var blockedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	// Open base library (print, type, pairs, ipairs, etc.)
	lua.OpenBase(L)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Not opened: io, os, debug, package, channel, coroutine.
}

// installSandbox removes blocked globals and routes print to out.
func installSandbox(L *lua.LState, out func(string)) {
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if out == nil {
		return
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		out(strings.Join(parts, "\t"))
		return 0
	}))
}
