package rpc

import (
	"context"
	"encoding/json"
)

type pingResult struct {
	Pong bool `json:"pong"`
}

// RegisterPingHandler wires rpc.ping, the liveness probe every control
// client uses before anything else (spec §4.7's method table).
func RegisterPingHandler(d *Dispatcher) {
	d.Register("rpc.ping", func(context.Context, json.RawMessage) (any, error) {
		return pingResult{Pong: true}, nil
	})
}

type shutdownResult struct {
	Shutdown bool `json:"shutdown"`
}

// RegisterShutdownHandler wires daemon.shutdown. onShutdown is invoked
// after the response is built, so the caller still receives
// {"shutdown": true} before the process begins tearing down.
func RegisterShutdownHandler(d *Dispatcher, onShutdown func()) {
	d.Register("daemon.shutdown", func(context.Context, json.RawMessage) (any, error) {
		if onShutdown != nil {
			defer onShutdown()
		}
		return shutdownResult{Shutdown: true}, nil
	})
}
