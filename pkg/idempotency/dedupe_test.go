package idempotency

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDedupeFirstDeliveryPasses(t *testing.T) {
	d := NewDedupe(DefaultDedupeConfig(), nil)

	if d.Duplicate("change-1") {
		t.Error("first delivery flagged as duplicate")
	}
	if !d.Duplicate("change-1") {
		t.Error("redelivery not flagged")
	}
	if d.Duplicate("change-2") {
		t.Error("unrelated key flagged as duplicate")
	}
	if got := d.Duplicates(); got != 1 {
		t.Errorf("Duplicates() = %d, want 1", got)
	}
}

func TestDedupeKeyExpiresAfterTTL(t *testing.T) {
	d := NewDedupe(DedupeConfig{TTL: 20 * time.Millisecond, CleanupInterval: time.Hour}, nil)

	if d.Duplicate("change-1") {
		t.Fatal("first delivery flagged as duplicate")
	}
	time.Sleep(30 * time.Millisecond)
	if d.Duplicate("change-1") {
		t.Error("key should have expired out of the window")
	}
}

func TestDedupeCleanupDropsExpiredKeys(t *testing.T) {
	d := NewDedupe(DedupeConfig{TTL: 10 * time.Millisecond, CleanupInterval: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		d.Duplicate(fmt.Sprintf("change-%d", i))
	}
	if got := d.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	time.Sleep(20 * time.Millisecond)
	d.cleanup()
	if got := d.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}

func TestDedupeConcurrentDeliveries(t *testing.T) {
	d := NewDedupe(DefaultDedupeConfig(), nil)

	const workers = 8
	var wg sync.WaitGroup
	firsts := make(chan string, workers*10)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("change-%d", i)
				if !d.Duplicate(key) {
					firsts <- key
				}
			}
		}()
	}
	wg.Wait()
	close(firsts)

	// Exactly one delivery per key passes the window.
	seen := make(map[string]int)
	for key := range firsts {
		seen[key]++
	}
	if len(seen) != 10 {
		t.Errorf("distinct keys passed = %d, want 10", len(seen))
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("key %s passed %d times, want 1", key, n)
		}
	}
}
