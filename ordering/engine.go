// Package ordering keeps task positions inside a status lane consistent.
//
// Placement uses shift-left-and-insert: every active task in the target lane
// whose order is at or below the requested one moves down by one and the
// mutated task takes the requested slot. Orders are never clamped or
// compacted, so zero and negative values are legitimate results.
package ordering

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"taskhub/domain"
)

// Lane is the persistence view the engine operates on. It is implemented by
// a storage transaction so that shifts commit or roll back together with the
// mutation that caused them.
type Lane interface {
	// LockLane serializes lane writers across processes for the rest of the
	// transaction.
	LockLane(ctx context.Context, status domain.Status) error
	// MaxOrder reports the highest order among active tasks in the lane,
	// ignoring exclude. ok is false for an empty lane.
	MaxOrder(ctx context.Context, status domain.Status, exclude int64) (max int, ok bool, err error)
	// ShiftLeft decrements the order of active tasks in the lane with
	// order <= upTo, ignoring exclude, and returns how many moved.
	ShiftLeft(ctx context.Context, status domain.Status, upTo int, exclude int64) (int64, error)
}

// Engine places tasks and hands out the in-process locks that make
// concurrent placements in the same lane serial.
type Engine struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewEngine() *Engine {
	return &Engine{locks: make(map[string]*keyLock)}
}

func LaneKey(s domain.Status) string { return "lane:" + string(s) }

func TaskKey(id int64) string { return "task:" + strconv.FormatInt(id, 10) }

// Acquire locks every key in a fixed global order and returns the release
// function. Duplicate keys are collapsed. On context cancellation the keys
// already taken are released and the context error is returned.
func (e *Engine) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			e.unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := e.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (e *Engine) lock(ctx context.Context, key string) error {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		e.drop(key, l)
		return ctx.Err()
	}
}

func (e *Engine) unlock(key string) {
	e.mu.Lock()
	l := e.locks[key]
	e.mu.Unlock()
	if l == nil {
		return
	}
	<-l.ch
	e.drop(key, l)
}

func (e *Engine) drop(key string, l *keyLock) {
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, key)
	}
	e.mu.Unlock()
}

// Held reports how many keys currently have holders or waiters.
func (e *Engine) Held() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}

// InsertOrMove frees requested in the lane by shifting every task at or
// below it one slot down and returns the order the task must take.
func (e *Engine) InsertOrMove(ctx context.Context, lane Lane, taskID int64, requested int, status domain.Status) (int, error) {
	if err := lane.LockLane(ctx, status); err != nil {
		return 0, fmt.Errorf("lock lane %s: %w", status, err)
	}
	if _, err := lane.ShiftLeft(ctx, status, requested, taskID); err != nil {
		return 0, fmt.Errorf("shift lane %s: %w", status, err)
	}
	return requested, nil
}

// Append returns the slot after the last task of the lane, or 1 when the
// lane is empty.
func (e *Engine) Append(ctx context.Context, lane Lane, taskID int64, status domain.Status) (int, error) {
	if err := lane.LockLane(ctx, status); err != nil {
		return 0, fmt.Errorf("lock lane %s: %w", status, err)
	}
	max, ok, err := lane.MaxOrder(ctx, status, taskID)
	if err != nil {
		return 0, fmt.Errorf("max order %s: %w", status, err)
	}
	if !ok {
		return 1, nil
	}
	return max + 1, nil
}
