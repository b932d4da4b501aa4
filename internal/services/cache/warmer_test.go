package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// warmCounter counts fired warming passes per tenant.
type warmCounter struct {
	mu    sync.Mutex
	fired map[string]int
	done  chan string
}

func newWarmCounter() *warmCounter {
	return &warmCounter{fired: make(map[string]int), done: make(chan string, 16)}
}

func (w *warmCounter) warm(tenantID string) {
	w.mu.Lock()
	w.fired[tenantID]++
	w.mu.Unlock()
	w.done <- tenantID
}

func (w *warmCounter) count(tenantID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired[tenantID]
}

func (w *warmCounter) waitForFire(t *testing.T) string {
	t.Helper()
	select {
	case tenant := <-w.done:
		return tenant
	case <-time.After(2 * time.Second):
		t.Fatal("warming pass never fired")
		return ""
	}
}

func TestWarmerCollapsesBurstIntoOnePass(t *testing.T) {
	counter := newWarmCounter()
	warmer := NewWarmer(50*time.Millisecond, counter.warm)
	defer warmer.Stop()

	for i := 0; i < 10; i++ {
		warmer.Schedule("acme")
	}

	counter.waitForFire(t)
	assert.Equal(t, 1, counter.count("acme"))
}

func TestWarmerFiresPerTenant(t *testing.T) {
	counter := newWarmCounter()
	warmer := NewWarmer(20*time.Millisecond, counter.warm)
	defer warmer.Stop()

	warmer.Schedule("acme")
	warmer.Schedule("globex")

	fired := map[string]bool{counter.waitForFire(t): true}
	fired[counter.waitForFire(t)] = true
	assert.True(t, fired["acme"])
	assert.True(t, fired["globex"])
}

func TestWarmerReschedulesAfterFire(t *testing.T) {
	counter := newWarmCounter()
	warmer := NewWarmer(20*time.Millisecond, counter.warm)
	defer warmer.Stop()

	warmer.Schedule("acme")
	counter.waitForFire(t)

	warmer.Schedule("acme")
	counter.waitForFire(t)

	assert.Equal(t, 2, counter.count("acme"))
}

func TestWarmerStopCancelsPending(t *testing.T) {
	counter := newWarmCounter()
	warmer := NewWarmer(30*time.Millisecond, counter.warm)

	warmer.Schedule("acme")
	warmer.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, counter.count("acme"))

	// Scheduling after Stop is a no-op.
	warmer.Schedule("acme")
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, counter.count("acme"))
}
