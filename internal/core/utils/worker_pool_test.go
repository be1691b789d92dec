package utils_test

import (
	"fmt"
	"testing"
	"time"

	"neuroseg-backend/internal/core/utils"
)

func TestRunInPool(t *testing.T) {
	worker := func(i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)
	for i := 0; i < 10; i++ {
		queue <- i
	}
	close(queue)

	completed := make(chan utils.CompletedTask[string], 10)
	utils.RunInPool(worker, queue, completed, 4)

	success, errors := 0, 0
	for result := range completed {
		if result.Error != nil {
			errors++
		} else {
			success++
		}
	}

	if success != 8 || errors != 2 {
		t.Fatalf("expected 8 successes and 2 errors, got %d and %d", success, errors)
	}
}

func TestRunInPoolEmptyQueue(t *testing.T) {
	queue := make(chan int)
	close(queue)

	completed := make(chan utils.CompletedTask[int], 1)
	utils.RunInPool(func(i int) (int, error) { return i, nil }, queue, completed, 4)

	for range completed {
		t.Fatal("no results expected")
	}
}
