package utils

import "sync"

// CompletedTask carries one worker result or its error.
type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines, sending every
// outcome on completed. The queue must already be closed (or be closed by
// the producer); completed is closed once all workers finish, so callers can
// simply range over it.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := maxWorkers
	if pending := len(queue); pending > 0 && pending < workers {
		workers = pending
	}
	if workers < 1 {
		workers = 1
	}

	go func() {
		var wg sync.WaitGroup
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()
		close(completed)
	}()
}
