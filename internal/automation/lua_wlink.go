//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

const luaOpTimeout = 10 * time.Second

// registerWlinkModule registers the `wlink` global table in a Lua state. It
// exposes the gateway: event subscriptions, MQTT publishing through the NCP,
// WiFi control and the persisted network/peer inventory.
func registerWlinkModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return wlinkOn(L, vm)
	}))

	mod.RawSetString("publish", L.NewFunction(func(L *lua.LState) int {
		return wlinkPublish(L, e)
	}))

	mod.RawSetString("subscribe", L.NewFunction(func(L *lua.LState) int {
		return wlinkSubscribe(L, e)
	}))

	mod.RawSetString("join", L.NewFunction(func(L *lua.LState) int {
		return wlinkJoin(L, e)
	}))

	mod.RawSetString("ping", L.NewFunction(func(L *lua.LState) int {
		return wlinkPing(L, e)
	}))

	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		return wlinkStatus(L, e)
	}))

	mod.RawSetString("networks", L.NewFunction(func(L *lua.LState) int {
		return wlinkNetworks(L, e)
	}))

	mod.RawSetString("peers", L.NewFunction(func(L *lua.LState) int {
		return wlinkPeers(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return wlinkAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return wlinkLog(L, e)
	}))

	L.SetGlobal("wlink", mod)
}

// wlink.on(type, filter, callback) — filter fields: topic, kind.
func wlinkOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("topic"); v != lua.LNil {
		h.topic = v.String()
	}
	if v := filterTable.RawGetString("kind"); v != lua.LNil {
		h.kind = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// wlink.publish(topic, payload [, qos [, retain]]) — publish through the NCP
// broker link. Returns true on success.
func wlinkPublish(L *lua.LState, e *Engine) int {
	topic := L.CheckString(1)
	payload := L.CheckString(2)

	qos := 0
	if L.GetTop() >= 3 {
		qos = L.CheckInt(3)
	}
	if qos < 0 || qos > 2 {
		L.ArgError(3, "qos must be 0-2")
		return 0
	}
	retain := false
	if L.GetTop() >= 4 {
		retain = L.CheckBool(4)
	}

	ctx, cancel := context.WithTimeout(context.Background(), luaOpTimeout)
	defer cancel()

	if err := e.gw.Driver().MQTTPublish(ctx, topic, []byte(payload), qos, retain); err != nil {
		e.logger.Error("script publish", "topic", topic, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// wlink.subscribe(topic [, qos]) — subscribe the NCP broker link to a topic
// so mqtt_message events for it start arriving.
func wlinkSubscribe(L *lua.LState, e *Engine) int {
	topic := L.CheckString(1)
	qos := 0
	if L.GetTop() >= 2 {
		qos = L.CheckInt(2)
	}
	if qos < 0 || qos > 2 {
		L.ArgError(2, "qos must be 0-2")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), luaOpTimeout)
	defer cancel()

	if err := e.gw.Driver().MQTTSubscribe(ctx, topic, qos); err != nil {
		e.logger.Error("script subscribe", "topic", topic, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// wlink.join(ssid, password) — join a WiFi network. Returns true on success.
func wlinkJoin(L *lua.LState, e *Engine) int {
	ssid := L.CheckString(1)
	password := L.OptString(2, "")

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := e.gw.ConnectNetwork(ctx, ssid, password); err != nil {
		e.logger.Error("script join", "ssid", ssid, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// wlink.ping(host) — returns the round-trip time in milliseconds, or nil.
func wlinkPing(L *lua.LState, e *Engine) int {
	host := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), luaOpTimeout)
	defer cancel()

	ms, err := e.gw.Driver().Ping(ctx, host)
	if err != nil {
		e.logger.Warn("script ping", "host", host, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(ms))
	return 1
}

// wlink.status() — returns the gateway status snapshot as a table.
func wlinkStatus(L *lua.LState, e *Engine) int {
	st := e.gw.Status()

	tbl := L.NewTable()
	tbl.RawSetString("wifi_connected", lua.LBool(st.WiFiConnected))
	tbl.RawSetString("ssid", lua.LString(st.SSID))
	tbl.RawSetString("ip", lua.LString(st.IP))
	tbl.RawSetString("mqtt_connected", lua.LBool(st.MQTTConnected))

	L.Push(tbl)
	return 1
}

// wlink.networks() — returns the known WiFi networks as a list of tables.
func wlinkNetworks(L *lua.LState, e *Engine) int {
	networks, err := e.gw.Store().ListNetworks()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, n := range networks {
		t := L.NewTable()
		t.RawSetString("ssid", lua.LString(n.SSID))
		t.RawSetString("last_ip", lua.LString(n.LastIP))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// wlink.peers() — returns the BLE peers seen by the gateway.
func wlinkPeers(L *lua.LState, e *Engine) int {
	peers, err := e.gw.Store().ListPeers()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, p := range peers {
		t := L.NewTable()
		t.RawSetString("address", lua.LString(p.Address))
		t.RawSetString("name", lua.LString(p.Name))
		t.RawSetString("rssi", lua.LNumber(p.RSSI))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// wlink.after(seconds, callback) — delayed execution on the VM goroutine.
func wlinkAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// wlink.log(msg)
func wlinkLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
