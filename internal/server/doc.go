// Package server exposes a gate over HTTP.
//
// A server owns exactly one [gate.Gate]. GET /concurrency/block parks the
// caller at the gate and POST /concurrency/release lets every parked caller
// go as one wave. The remaining routes are supporting tools: /slow-io sleeps
// for a requested delay, /benchmark/io-test fans calls out to an upstream
// /slow-io, /concurrency/events streams gate state over a websocket and
// /metrics serves Prometheus metrics.
//
// Invalid query parameters are answered with 400 and a JSON {"error": ...}
// body; the wrong method gets 405.
package server
