package lua

import (
	"fmt"
	"reflect"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/input"
)

// subscriptionType is the metatable name of subscription id userdata.
const subscriptionType = "modframe.subscription"

// Args is an event payload carrying several values. Lua subscribers
// receive them as separate arguments.
type Args []any

// Bridge converts values between Go and Lua.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a new Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGoValue converts a Lua value to a Go value.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGoValueWithVisited(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGoValueWithVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// Check for circular reference
		if visited[v] {
			return nil
		}
		visited[v] = true
		return b.tableToGoWithVisited(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		// nil, functions, threads and channels have no Go form
		return nil
	}
}

// tableToGoWithVisited converts a sequence to []any and anything else to
// map[string]any.
func (b *Bridge) tableToGoWithVisited(t *lua.LTable, visited map[*lua.LTable]bool) any {
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); !ok || float64(kn) != float64(int(kn)) || kn < 1 {
			isArray = false
		}
	})
	if isArray && count > 0 && t.Len() == count {
		arr := make([]any, count)
		for i := 1; i <= count; i++ {
			arr[i-1] = b.toGoValueWithVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = b.toGoValueWithVisited(v, visited)
	})
	return m
}

// ToLuaValue converts a Go value to a Lua value.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}

	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case time.Duration:
		// Seconds, matching what tick handlers receive.
		return lua.LNumber(val.Seconds())
	case time.Time:
		return lua.LNumber(float64(val.UnixNano()) / 1e9)
	case input.Event:
		return b.EventTable(val)
	case event.SubscriptionID:
		return b.SubscriptionValue(val)
	case Args:
		return b.sliceToTable(val)
	case []any:
		return b.sliceToTable(val)
	case map[string]any:
		t := b.L.NewTable()
		for k, v := range val {
			t.RawSetString(k, b.ToLuaValue(v))
		}
		return t
	case lua.LValue:
		return val
	default:
		// Try reflection for other types
		return b.reflectToLua(v)
	}
}

// ToLuaArgs converts an event payload to call arguments.
func (b *Bridge) ToLuaArgs(payload any) []lua.LValue {
	args, ok := payload.(Args)
	if !ok {
		return []lua.LValue{b.ToLuaValue(payload)}
	}
	out := make([]lua.LValue, len(args))
	for i, a := range args {
		out[i] = b.ToLuaValue(a)
	}
	return out
}

func (b *Bridge) sliceToTable(s []any) *lua.LTable {
	t := b.L.NewTable()
	for i, v := range s {
		t.RawSetInt(i+1, b.ToLuaValue(v))
	}
	return t
}

// reflectToLua uses reflection to convert arbitrary Go values.
func (b *Bridge) reflectToLua(v any) lua.LValue {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return lua.LNil
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return lua.LNil
		}
		return b.reflectToLua(rv.Elem().Interface())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())

	case reflect.String:
		return lua.LString(rv.String())

	case reflect.Slice, reflect.Array:
		t := b.L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.ToLuaValue(rv.Index(i).Interface()))
		}
		return t

	case reflect.Map:
		t := b.L.NewTable()
		for _, key := range rv.MapKeys() {
			t.RawSet(b.ToLuaValue(key.Interface()), b.ToLuaValue(rv.MapIndex(key).Interface()))
		}
		return t

	case reflect.Struct:
		return b.structToTable(rv)

	default:
		ud := b.L.NewUserData()
		ud.Value = v
		return ud
	}
}

// structToTable converts a Go struct to a Lua table keyed by json tag or
// field name.
func (b *Bridge) structToTable(rv reflect.Value) *lua.LTable {
	t := b.L.NewTable()
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" && tag != "-" {
			for j := 0; j < len(tag); j++ {
				if tag[j] == ',' {
					tag = tag[:j]
					break
				}
			}
			if tag != "" {
				name = tag
			}
		}
		t.RawSetString(name, b.ToLuaValue(rv.Field(i).Interface()))
	}
	return t
}

// EventTable converts an input event to the table handed to input
// handlers.
func (b *Bridge) EventTable(ev input.Event) *lua.LTable {
	t := b.L.NewTable()
	t.RawSetString("channel", lua.LString(ev.Channel.String()))
	if ev.Channel == input.Keyboard {
		t.RawSetString("key", lua.LString(ev.Key))
		if ev.Rune != 0 {
			t.RawSetString("rune", lua.LString(string(ev.Rune)))
		}
		t.RawSetString("key_down", lua.LBool(ev.KeyDown))
		return t
	}
	t.RawSetString("button", lua.LString(ev.Button.String()))
	t.RawSetString("double_click", lua.LBool(ev.DoubleClick))
	t.RawSetString("wheel", lua.LString(ev.Wheel.String()))
	t.RawSetString("moved", lua.LBool(ev.Moved))
	t.RawSetString("x", lua.LNumber(ev.X))
	t.RawSetString("y", lua.LNumber(ev.Y))
	return t
}

// SubscriptionValue wraps id as userdata with a string form.
func (b *Bridge) SubscriptionValue(id event.SubscriptionID) *lua.LUserData {
	ud := b.L.NewUserData()
	ud.Value = id
	b.L.SetMetatable(ud, b.L.GetTypeMetatable(subscriptionType))
	return ud
}

// installSubscriptionType registers the subscription id metatable.
func installSubscriptionType(L *lua.LState) {
	mt := L.NewTypeMetatable(subscriptionType)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if id, ok := ud.Value.(event.SubscriptionID); ok {
			L.Push(lua.LString(id.String()))
		} else {
			L.Push(lua.LString(subscriptionType))
		}
		return 1
	}))
}

// subscriptionIDs collects ids from userdata values and tables of them.
func subscriptionIDs(L *lua.LState, from int) ([]event.SubscriptionID, error) {
	var ids []event.SubscriptionID
	var add func(lv lua.LValue) error
	add = func(lv lua.LValue) error {
		switch v := lv.(type) {
		case *lua.LUserData:
			id, ok := v.Value.(event.SubscriptionID)
			if !ok {
				return fmt.Errorf("not a subscription id: %v", v.Value)
			}
			ids = append(ids, id)
		case *lua.LTable:
			var err error
			v.ForEach(func(_, item lua.LValue) {
				if err == nil {
					err = add(item)
				}
			})
			return err
		default:
			return fmt.Errorf("not a subscription id: %s", lv.Type())
		}
		return nil
	}
	for i := from; i <= L.GetTop(); i++ {
		if err := add(L.Get(i)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
