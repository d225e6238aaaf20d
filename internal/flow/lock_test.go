package flow

import (
	"sync"
	"testing"
)

func TestContactLocksSerializeSameContact(t *testing.T) {
	locks := newContactLocks()
	const workers = 50

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("contact-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestContactLocksIndependentContacts(t *testing.T) {
	locks := newContactLocks()

	// Holding one contact's lock must not block another contact's turn.
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
