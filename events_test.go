package tmi

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDispatcherRunsTasks(t *testing.T) {
	d := newDispatcher(zerolog.Nop(), 4, 16)
	defer d.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex

	count := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)

		d.Submit(func() {
			defer wg.Done()

			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	wg.Wait()

	if count != 50 {
		t.Errorf("dispatcher ran %d tasks, expected 50", count)
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := newDispatcher(zerolog.Nop(), 1, 16)
	defer d.Close()

	d.Submit(func() {
		panic("handler exploded")
	})

	done := make(chan struct{})

	d.Submit(func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after a panicking task")
	}
}

func TestDispatcherCloseDrains(t *testing.T) {
	d := newDispatcher(zerolog.Nop(), 2, 16)

	var mu sync.Mutex

	count := 0

	for i := 0; i < 10; i++ {
		d.Submit(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	d.Close()

	mu.Lock()
	defer mu.Unlock()

	if count != 10 {
		t.Errorf("%d tasks ran before Close returned, expected 10", count)
	}

	// Submitting after Close is a no-op, not a panic.
	d.Submit(func() {})
}
