// Package gate provides the hold-and-release barrier served by gateserver.
//
// Callers arrive through [Gate.Block] and stay suspended until someone calls
// [Gate.Release]. A release opens the gate for everyone registered at that
// instant in a single broadcast, so every member of the wave reports the same
// round. With re-arming enabled the gate closes again and the round advances:
//
//	CLOSED(r) --release--> OPEN(r) --rearm--> CLOSED(r+1)
//
// A caller that arrives while the gate is open and not yet re-armed passes
// straight through with the current round.
//
// # Models
//
// Two implementations satisfy the same contract:
//   - [ModelThreaded]: state behind a sync.Mutex, for handlers running in parallel.
//   - [ModelLoop]: a single goroutine owns the state and applies commands one at
//     a time, mirroring a cooperative event loop.
//
// Both wake waiters by closing a per-round channel, which is a true broadcast.
//
//	g, err := gate.New(gate.ModelLoop)
//	if err != nil {
//		return err
//	}
//	defer g.Close()
//	res, err := g.Block(ctx, 50*time.Millisecond)
package gate
