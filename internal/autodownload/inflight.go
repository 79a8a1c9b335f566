package autodownload

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"toolpin/internal/toolerr"
)

// inflight is the process-wide set of tool@version keys being fetched and
// installed. The first caller for a key runs the work; later callers wait for
// the same outcome. The work runs detached from any single caller and is
// cancelled only once every waiter has gone.
type inflight struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
	running map[string]*flight
}

type flight struct {
	cancel context.CancelFunc
	stage  atomic.Int32
}

func (f *flight) set(s State) { f.stage.Store(int32(s)) }

func (f *flight) state() State { return State(f.stage.Load()) }

func newInflight() *inflight {
	return &inflight{waiters: map[string]int{}, running: map[string]*flight{}}
}

// do joins or starts the flight for key and waits for its outcome or for ctx
// to end, whichever comes first.
func (s *inflight) do(ctx context.Context, key string, work func(context.Context, *flight) (any, error)) (any, bool, error) {
	s.mu.Lock()
	s.waiters[key]++
	s.mu.Unlock()

	ch := s.group.DoChan(key, func() (any, error) {
		fctx, f, ok := s.start(ctx, key)
		if !ok {
			return nil, toolerr.New(toolerr.KindInterrupted, "autodownload", context.Canceled)
		}
		defer s.finish(key, f)
		return work(fctx, f)
	})

	select {
	case res := <-ch:
		s.leave(key)
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		s.leave(key)
		return nil, false, toolerr.New(toolerr.KindInterrupted, "autodownload", ctx.Err())
	}
}

func (s *inflight) start(ctx context.Context, key string) (context.Context, *flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[key] == 0 {
		return nil, nil, false
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{cancel: cancel}
	f.set(StateRequested)
	s.running[key] = f
	return fctx, f, true
}

func (s *inflight) finish(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.cancel()
	if s.running[key] == f {
		delete(s.running, key)
	}
}

func (s *inflight) leave(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[key]--
	if s.waiters[key] > 0 {
		return
	}
	delete(s.waiters, key)
	// The abandoned flight may take a while to wind down; the next caller
	// starts a fresh one instead of joining it.
	s.group.Forget(key)
	if f, ok := s.running[key]; ok {
		f.cancel()
		delete(s.running, key)
	}
}

// waiting returns how many callers currently wait on key.
func (s *inflight) waiting(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters[key]
}

// InFlight describes one running fetch-and-install.
type InFlight struct {
	Key   string
	Stage State
}

func (s *inflight) snapshot() []InFlight {
	s.mu.Lock()
	out := make([]InFlight, 0, len(s.running))
	for key, f := range s.running {
		out = append(out, InFlight{Key: key, Stage: f.state()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
