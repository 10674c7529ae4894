// Package prober drives a gate server to find how many concurrent in-flight
// requests it sustains.
//
// Two probes are provided:
//   - [Ramp]: holds k block calls at the server's gate, releases them as one
//     wave, and raises k by a fixed step until a level fails or the ceiling
//     is reached
//   - [Window]: dispatches /slow-io calls for a fixed window, each sleeping
//     for the time left in the window, and reports the dispatch rate
//
// # Basic Usage
//
//	client := gateclient.New("http://localhost:8001")
//	ramp := prober.NewRamp(prober.RampOptions{
//		Target:  "loop",
//		Start:   5,
//		Step:    20,
//		Ceiling: 500,
//		Client:  client,
//	})
//	report, err := ramp.Run(ctx)
//
// # Settling
//
// Between launching a level and releasing it the ramp sleeps SettleDelay so
// the calls can reach the gate. Setting a [QueueWatcher] makes the ramp wait
// until the server reports k waiters instead, bounded by SettleTimeout, and
// fall back to the delay if that fails.
//
// # Failure Policy
//
// A level with any failed call ends the ramp; the level is reported in
// RampReport.FailedAt. Calls are never retried. A failed release aborts the
// ramp and Run returns an error wrapping [ErrReleaseFailed].
package prober
