// Package auth implements boltd's one-shot authorization task (spec.md
// §4.9): a single-threaded main loop schedules the task, but the
// blocking sysfs write runs on a worker goroutine so the main loop
// never blocks on device I/O — the same split the teacher's vfio
// device driver uses between its Attach orchestration (main goroutine)
// and the actual syscall it issues, generalized here into an explicit
// task object with check()-without-consuming semantics.
package auth

import (
	"context"
	"os"
	"sync"

	"github.com/gicmo/bolt-sub000/boltderr"
	"github.com/gicmo/bolt-sub000/key"
	"github.com/gicmo/bolt-sub000/sysfs"
)

// Origin identifies who requested an authorization.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginKernel Origin = "kernel"
	OriginBoot   Origin = "boot"
)

// Result is a task's outcome: the security level actually achieved and
// whether the key used to get there was freshly generated.
type Result struct {
	Level   sysfs.SecurityLevel
	KeyWasNew bool
}

// Task is a one-shot asynchronous authorization operation bound to a
// single device. It is also an async-result value: Check copies its
// error so it may be called repeatedly without consuming state.
type Task struct {
	Origin       Origin
	Level        sysfs.SecurityLevel
	Key          *key.Key
	dev          *sysfs.Device

	mu      sync.Mutex
	done    bool
	result  Result
	err     error
	doneCh  chan struct{}
}

// New creates a task targeting dev, requesting level, with an optional
// key (required whenever level is secure; the task itself never looks
// up a stored key).
func New(dev *sysfs.Device, origin Origin, level sysfs.SecurityLevel, k *key.Key) *Task {
	return &Task{
		Origin: origin,
		Level:  level,
		Key:    k,
		dev:    dev,
		doneCh: make(chan struct{}),
	}
}

// NegotiateLevel returns the minimum of the user-requested level and
// the domain's security level (spec.md §4.8 "Authorize policy
// negotiation").
func NegotiateLevel(requested, domainSecurity sysfs.SecurityLevel) sysfs.SecurityLevel {
	rank := map[sysfs.SecurityLevel]int{
		sysfs.SecurityNone:    0,
		sysfs.SecurityDPOnly:  0,
		sysfs.SecurityUSBOnly: 0,
		sysfs.SecurityUser:    1,
		sysfs.SecuritySecure:  2,
	}
	if rank[domainSecurity] < rank[requested] {
		return domainSecurity
	}
	return requested
}

// Run executes the task synchronously: it is meant to be invoked on a
// worker goroutine spawned by Start. A cancelled context yields a
// typed "cancelled" error; any partial kernel-side effect from an
// in-flight write is not rolled back (spec.md §5 Cancellation) — the
// achieved state is re-derived from a subsequent change event.
func (t *Task) Run(ctx context.Context) {
	result, err := t.execute(ctx)

	t.mu.Lock()
	t.done = true
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.doneCh)
}

// Start launches Run on a new goroutine and returns immediately,
// matching the "blocking sysfs write delegated to a worker thread"
// requirement of spec.md §4.9.
func (t *Task) Start(ctx context.Context) {
	go t.Run(ctx)
}

func (t *Task) execute(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, boltderr.New(boltderr.KindCancelled, "authorization cancelled")
	default:
	}

	switch t.Level {
	case sysfs.SecurityNone, sysfs.SecurityDPOnly, sysfs.SecurityUSBOnly:
		// The kernel auto-authorizes at these domain levels; the
		// daemon only observes.
		return Result{Level: t.Level}, nil

	case sysfs.SecurityUser:
		if err := t.writeAuthorized("1"); err != nil {
			return Result{}, err
		}
		return Result{Level: sysfs.SecurityUser}, nil

	case sysfs.SecuritySecure:
		if t.Key == nil {
			return Result{}, boltderr.New(boltderr.KindNoKey, "secure authorization requires a key")
		}

		keyFile, err := os.OpenFile(t.dev.KeyPath(), os.O_WRONLY, 0)
		if err != nil {
			return Result{}, boltderr.Wrap(boltderr.KindUdev, err, "open key attribute")
		}
		defer keyFile.Close()

		if _, err := t.Key.WriteToKernel(keyFile); err != nil {
			return Result{}, err
		}

		select {
		case <-ctx.Done():
			return Result{}, boltderr.New(boltderr.KindCancelled, "authorization cancelled after key write")
		default:
		}

		if err := t.writeAuthorized("2"); err != nil {
			return Result{}, err
		}
		return Result{Level: sysfs.SecuritySecure, KeyWasNew: t.Key.Fresh()}, nil

	default:
		return Result{}, boltderr.New(boltderr.KindFailed, "unsupported authorization level %q", t.Level)
	}
}

func (t *Task) writeAuthorized(val string) error {
	if err := os.WriteFile(t.dev.AuthorizedPath(), []byte(val), 0644); err != nil {
		return boltderr.Wrap(boltderr.KindUdev, err, "write authorized")
	}
	return nil
}

// Done returns a channel closed when the task completes.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}

// Check reports whether the task has completed and, if so, its result
// and error. It may be called more than once; the error is copied, not
// consumed.
func (t *Task) Check() (finished bool, result Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.result, t.err
}
