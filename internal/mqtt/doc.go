// Package mqtt implements the station's message channel on top of
// Eclipse Paho v2.
//
// By default the [Client] opens a single broker session with
// [paho.Client] over TCP, TLS, or WebSocket. A failed connect is
// returned to the caller and a dropped connection stays dropped: later
// publishes fail and are logged until the process restarts.
//
// Setting auto_reconnect switches to the [autopaho] connection manager,
// which redials in the background and re-subscribes every registered
// topic on each reconnect. The initial connection must still succeed
// within the connect timeout.
//
// Inbound messages are routed by topic filter to the registered
// [channel.Handler] values. Routing is unthrottled unless
// control_rate_limit sets a per-second cap, in which case messages
// beyond the cap are dropped.
package mqtt
