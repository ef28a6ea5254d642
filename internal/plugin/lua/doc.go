// Package lua runs plugins written in Lua on gopher-lua.
//
// Each plugin owns one sandboxed LState, driven by an Executor goroutine.
// Calls into Lua from any goroutine are posted to the executor's mailbox.
// Bindings that may call back into Lua (runner.start, input.start,
// event.call, host.batch) run their Go side on a helper goroutine while
// the executor keeps serving its mailbox, so handlers invoked on the way
// run on the owning goroutine instead of deadlocking.
//
// A plugin script defines any of four globals:
//
//	local tick
//
//	function initialize(identifier)
//	    runner.load()
//	    tick = function(elapsed) host.log("info", "tick " .. elapsed) end
//	    runner.push("clock", 0, tick)
//	end
//
//	function start() runner.start() end
//	function stop() runner.stop() end
//
//	function release()
//	    runner.pop("clock", 0, tick)
//	    runner.unload()
//	end
//
// Bindings report failures as nil plus a message; they never raise.
package lua
