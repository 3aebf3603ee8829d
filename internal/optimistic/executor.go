// Package optimistic applies local state changes ahead of remote
// confirmation and reconciles them once the remote write settles.
package optimistic

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"go.uber.org/zap"
)

const (
	opExecute      = "optimistic.execute"
	reasonRemote   = "remote_failed"
	reasonMissing  = "target_missing"
	reasonCanceled = "canceled"
)

// ErrTargetMissing reports a mutation against a value that is not displayed.
var ErrTargetMissing = errors.New("optimistic target is not displayed")

// Binding reads and writes the displayed value a mutation targets.
// Set must tolerate a target that disappeared meanwhile and drop writes
// once its consumer is no longer live.
type Binding[T any] struct {
	Get func() (T, bool)
	Set func(T)
}

// Mutation describes one optimistic transition.
type Mutation[T any] struct {
	// Slot serializes mutations of the same field of the same target.
	Slot    string
	Binding Binding[T]
	// Optimistic derives the value shown before confirmation.
	Optimistic func(current T) T
	// Remote performs the write and returns the authoritative value.
	Remote func(ctx context.Context, optimistic T) (T, error)
}

// Result is the settled outcome of one mutation.
type Result[T any] struct {
	Previous   T
	Optimistic T
	Confirmed  T
	Err        error
}

// OptimisticState summarizes a slot for display.
type OptimisticState[T any] struct {
	Value     T
	Previous  T
	InFlight  int
	LastError error
}

// Config wires an Executor.
type Config struct {
	Logger *zap.Logger
}

type pendingWrite[T any] struct {
	previous T
	done     chan struct{}
}

type slotState[T any] struct {
	binding  Binding[T]
	inflight []*pendingWrite[T]
	tail     chan struct{}
	lastErr  error
}

// Executor is the Optimistic Mutation Executor for values of type T.
type Executor[T any] struct {
	mu     sync.Mutex
	slots  map[string]*slotState[T]
	logger *zap.Logger
}

// New constructs an Executor.
func New[T any](cfg Config) *Executor[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor[T]{
		slots:  make(map[string]*slotState[T]),
		logger: logger.Named("optimistic"),
	}
}

// Pending is a mutation whose optimistic value is already displayed.
type Pending[T any] struct {
	optimistic T
	done       chan struct{}
	result     Result[T]
}

// Optimistic returns the value applied before confirmation.
func (p *Pending[T]) Optimistic() T {
	return p.optimistic
}

// Done is closed once the remote write has settled.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the mutation settles and returns its result.
func (p *Pending[T]) Wait() (Result[T], error) {
	<-p.done
	return p.result, p.result.Err
}

// Execute applies the optimistic value and blocks until it is confirmed
// or rolled back.
func (e *Executor[T]) Execute(ctx context.Context, mutation Mutation[T]) (Result[T], error) {
	pending, err := e.Start(ctx, mutation)
	if err != nil {
		return Result[T]{}, err
	}
	return pending.Wait()
}

// Start captures the displayed value, applies the optimistic value and
// schedules the remote write behind earlier writes to the same slot.
func (e *Executor[T]) Start(ctx context.Context, mutation Mutation[T]) (*Pending[T], error) {
	e.mu.Lock()
	current, ok := mutation.Binding.Get()
	if !ok {
		e.mu.Unlock()
		return nil, feed.NewServiceError(opExecute, reasonMissing, ErrTargetMissing)
	}
	slot := e.slots[mutation.Slot]
	if slot == nil {
		slot = &slotState[T]{}
		e.slots[mutation.Slot] = slot
	}
	optimistic := mutation.Optimistic(current)
	write := &pendingWrite[T]{previous: current, done: make(chan struct{})}
	predecessor := slot.tail
	slot.tail = write.done
	slot.binding = mutation.Binding
	slot.inflight = append(slot.inflight, write)
	mutation.Binding.Set(optimistic)
	e.mu.Unlock()

	pending := &Pending[T]{optimistic: optimistic, done: make(chan struct{})}
	go func() {
		defer close(pending.done)
		defer close(write.done)
		if predecessor != nil {
			<-predecessor
		}
		var (
			confirmed T
			err       error
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = feed.NewServiceError(opExecute, reasonCanceled, ctxErr)
		} else if confirmed, err = mutation.Remote(ctx, optimistic); err != nil {
			err = feed.NewServiceError(opExecute, reasonRemote, err)
		}
		pending.result = e.settle(mutation, write, optimistic, confirmed, err)
	}()
	return pending, nil
}

// settle resolves one write. Only the newest write in a slot touches the
// displayed value; an older write hands its outcome on as the newer
// write's previous value so a later rollback restores confirmed state.
func (e *Executor[T]) settle(mutation Mutation[T], write *pendingWrite[T], optimistic, confirmed T, err error) Result[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.slots[mutation.Slot]
	index := -1
	for i, candidate := range slot.inflight {
		if candidate == write {
			index = i
			break
		}
	}
	result := Result[T]{Previous: write.previous, Optimistic: optimistic, Confirmed: confirmed, Err: err}
	settled := confirmed
	if err != nil {
		settled = write.previous
		result.Confirmed = write.previous
		slot.lastErr = err
		e.logger.Warn("optimistic mutation rolled back",
			zap.String("slot", mutation.Slot),
			zap.String("code", feed.ErrorCode(err)),
			zap.Error(err))
	} else {
		slot.lastErr = nil
	}
	last := index == len(slot.inflight)-1
	if last {
		mutation.Binding.Set(settled)
	} else {
		slot.inflight[index+1].previous = settled
	}
	slot.inflight = append(slot.inflight[:index], slot.inflight[index+1:]...)
	if len(slot.inflight) == 0 {
		slot.tail = nil
	}
	return result
}

// State reports the displayed value and in-flight count of a slot.
func (e *Executor[T]) State(slotKey string) (OptimisticState[T], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[slotKey]
	if !ok {
		return OptimisticState[T]{}, false
	}
	state := OptimisticState[T]{InFlight: len(slot.inflight), LastError: slot.lastErr}
	if value, found := slot.binding.Get(); found {
		state.Value = value
	}
	if len(slot.inflight) > 0 {
		state.Previous = slot.inflight[0].previous
	} else {
		state.Previous = state.Value
	}
	return state, true
}

// Forget drops the bookkeeping of an idle slot.
func (e *Executor[T]) Forget(slotKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok := e.slots[slotKey]; ok && len(slot.inflight) == 0 {
		delete(e.slots, slotKey)
	}
}

// InFlight returns the number of unsettled writes in a slot.
func (e *Executor[T]) InFlight(slotKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok := e.slots[slotKey]; ok {
		return len(slot.inflight)
	}
	return 0
}
