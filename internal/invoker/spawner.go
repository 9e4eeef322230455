package invoker

import "sync"

// Spawner starts a background dispatch worker. The strategy is fixed at
// scheduler construction: in-process goroutines by default, or a
// caller-supplied strategy when the scheduler itself runs inside a remote
// execution context with constraints on what it may spawn.
type Spawner interface {
	Spawn(task func())
}

// GoroutineSpawner runs each task on its own goroutine, tracked by a
// WaitGroup so Stop can join them.
type GoroutineSpawner struct {
	wg sync.WaitGroup
}

func (s *GoroutineSpawner) Spawn(task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
	}()
}

// Wait blocks until every spawned task has returned.
func (s *GoroutineSpawner) Wait() {
	s.wg.Wait()
}
