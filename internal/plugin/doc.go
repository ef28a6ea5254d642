// Package plugin hosts modules that extend the framework.
//
// A plugin implements four lifecycle calls: Initialize, Start, Stop and
// Release. The Manager drives them across every loaded plugin, using a
// lifecycle.Coordinator to fan Start and Stop out either sequentially or
// over a bounded worker pool.
//
// Plugins reach the shared subsystems through their Env:
//
//	func (p *clock) Initialize(ctx context.Context, env *plugin.Env) error {
//	    r, err := env.Runner()
//	    if err != nil {
//	        return err
//	    }
//	    p.tick = runner.NewHandler(p.onTick)
//	    return r.Push("clock", 0, p.tick)
//	}
//
// Go plugins are registered by name with Manager.Register. Names without
// a registered factory are resolved by the Loader to Lua scripts and
// built by the script factory given with WithScriptFactory:
//
//	~/.config/modframe/plugins/clock.lua
//	~/.config/modframe/plugins/clock/init.lua
//
// Handles a plugin forgets to release are released by its Host after
// Release and logged.
package plugin
