// Package event implements named publish/subscribe channels.
//
// A Bus holds any number of channels, each identified by a unique name.
// Handlers subscribe to a channel and receive a SubscriptionID that is
// never reused: ids carry the serial of the channel instance that issued
// them, so an id from one channel (or from a destroyed and recreated
// channel of the same name) never matches a subscription elsewhere.
//
// Call invokes the channel's subscribers sequentially in subscription
// order against a snapshot taken at call entry. Subscribing or
// unsubscribing during a call affects the next call only. Handler panics
// are recovered and returned as *PanicError values joined with
// errors.Join; the remaining handlers still run.
//
// Basic usage:
//
//	bus := event.NewBus[float64]()
//	_ = bus.Create("tick")
//	id, _ := bus.Subscribe("tick", func(dt float64) { ... })
//	_ = bus.Call("tick", 0.016)
//	_, _ = bus.Unsubscribe("tick", id)
//
// Plugins normally reach the bus through a Stream, which records the
// channels and subscriptions it created so RequestDelete can tear them
// down in one step.
package event
