package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Model selects how a Gate serializes its state.
type Model string

const (
	// ModelThreaded guards state with a mutex; handlers run in parallel.
	ModelThreaded Model = "threaded"
	// ModelLoop funnels every mutation through a single owner goroutine.
	ModelLoop Model = "loop"
)

const (
	// MaxHold bounds the post-release hold a waiter may request.
	MaxHold = 30 * time.Second
	// MaxRearmDelay bounds the pause between opening and re-arming.
	MaxRearmDelay = 5 * time.Second
)

var (
	ErrInvalidHold       = fmt.Errorf("hold must be between 0s and %s", MaxHold)
	ErrInvalidRearmDelay = fmt.Errorf("rearm delay must be between 0s and %s", MaxRearmDelay)
	// ErrClosed is returned by a gate whose owner has been shut down.
	ErrClosed = errors.New("gate is closed")
)

// State is a point-in-time view of a gate.
type State struct {
	Open    bool `json:"open" yaml:"open"`
	Waiting int  `json:"waiting" yaml:"waiting"`
	Round   int  `json:"round" yaml:"round"`
}

// BlockResult describes one waiter's trip through the gate.
type BlockResult struct {
	Round            int           // round observed at arrival
	QueuedPosition   int           // waiting count right after this waiter registered
	CurrentlyWaiting int           // waiting count right after this waiter left
	Hold             time.Duration // post-release hold that was served
}

// ReleaseOptions controls what happens after the gate opens.
type ReleaseOptions struct {
	Rearm      bool          // close the gate again and advance the round
	RearmDelay time.Duration // pause before re-arming (only used with Rearm)
}

// ReleaseResult describes a single release.
type ReleaseResult struct {
	Round           int
	ReleasedWaiting int
	Rearmed         bool
	RearmDelay      time.Duration
	ReleasedAt      time.Time
}

// Gate holds an unbounded number of callers and lets them go as one wave.
type Gate interface {
	// Block registers the caller, suspends it until the gate opens for the
	// round it arrived in, then serves hold before deregistering.
	Block(ctx context.Context, hold time.Duration) (BlockResult, error)
	// Release opens the gate for every registered waiter and optionally re-arms it.
	Release(ctx context.Context, opts ReleaseOptions) (ReleaseResult, error)
	State() State
	Close() error
}

// core is the state holder behind a Gate. Every method is atomic with
// respect to the others.
type core interface {
	arrive() (ticket, error)
	leave() (int, error)
	open() (State, error)
	rearm(round int) error
	state() State
	close() error
}

// ticket is what a waiter carries while suspended.
type ticket struct {
	round    int
	position int
	released <-chan struct{}
}

// New builds a Gate for the given model.
func New(model Model) (Gate, error) {
	switch Model(strings.ToLower(strings.TrimSpace(string(model)))) {
	case ModelThreaded, "":
		return &barrier{core: newMutexCore()}, nil
	case ModelLoop:
		return &barrier{core: newLoopCore()}, nil
	default:
		return nil, fmt.Errorf("unsupported gate model %q", model)
	}
}

// ParseModel validates a model name.
func ParseModel(s string) (Model, error) {
	switch m := Model(strings.ToLower(strings.TrimSpace(s))); m {
	case ModelThreaded, ModelLoop:
		return m, nil
	default:
		return "", fmt.Errorf("gate model must be %q or %q, got %q", ModelThreaded, ModelLoop, s)
	}
}

// ValidateHold reports whether hold is an acceptable post-release hold.
func ValidateHold(hold time.Duration) error {
	if hold < 0 || hold > MaxHold {
		return ErrInvalidHold
	}
	return nil
}

// ValidateRearmDelay reports whether d is an acceptable re-arm delay.
func ValidateRearmDelay(d time.Duration) error {
	if d < 0 || d > MaxRearmDelay {
		return ErrInvalidRearmDelay
	}
	return nil
}

// barrier implements the Gate contract once on top of either core.
type barrier struct {
	core core
}

func (b *barrier) Block(ctx context.Context, hold time.Duration) (BlockResult, error) {
	if err := ValidateHold(hold); err != nil {
		return BlockResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t, err := b.core.arrive()
	if err != nil {
		return BlockResult{}, err
	}
	result := BlockResult{Round: t.round, QueuedPosition: t.position}

	select {
	case <-t.released:
	case <-ctx.Done():
		// The caller gave up; drop it from the count so the gate stays accurate.
		if remaining, leaveErr := b.core.leave(); leaveErr == nil {
			result.CurrentlyWaiting = remaining
		}
		return result, ctx.Err()
	}

	sleepErr := sleepContext(ctx, hold)
	remaining, err := b.core.leave()
	if err != nil {
		return result, err
	}
	result.CurrentlyWaiting = remaining
	if sleepErr != nil {
		return result, sleepErr
	}
	result.Hold = hold
	return result, nil
}

func (b *barrier) Release(ctx context.Context, opts ReleaseOptions) (ReleaseResult, error) {
	if opts.Rearm {
		if err := ValidateRearmDelay(opts.RearmDelay); err != nil {
			return ReleaseResult{}, err
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	snapshot, err := b.core.open()
	if err != nil {
		return ReleaseResult{}, err
	}
	result := ReleaseResult{
		Round:           snapshot.Round,
		ReleasedWaiting: snapshot.Waiting,
		ReleasedAt:      time.Now(),
	}
	if !opts.Rearm {
		return result, nil
	}

	// The gate stays open if the caller goes away mid-delay; the next
	// re-arming release closes it.
	if err := sleepContext(ctx, opts.RearmDelay); err != nil {
		return result, err
	}
	if err := b.core.rearm(snapshot.Round); err != nil {
		return result, err
	}
	result.Rearmed = true
	result.RearmDelay = opts.RearmDelay
	return result, nil
}

func (b *barrier) State() State {
	return b.core.state()
}

func (b *barrier) Close() error {
	return b.core.close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
