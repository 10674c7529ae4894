// Package gateclient talks to a gateserver over HTTP.
//
// A [Client] wraps one server's base URL and exposes the gate endpoints as
// typed calls:
//
//	c := gateclient.New("http://localhost:8001")
//	res, err := c.Block(ctx, 50*time.Millisecond, "run-1")
//	rel, err := c.Release(ctx, gateclient.ReleaseParams{Rearm: true})
//
// Any response other than 200 OK comes back as an [*HTTPError]. Response
// bodies are read with gjson, so fields a server leaves out are simply zero
// (or nil, for [ReleaseResponse.ReleasedWaiting]).
//
// [Client.Watch] subscribes to the server's websocket feed of gate state, and
// [Client.WaitForWaiting] uses it to wait until a given number of callers is
// queued at the gate.
package gateclient
