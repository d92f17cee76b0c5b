// Package idmutex provides the lock guarding the cluster handles. A handle
// keeps its peers, blacklist and pending queue behind one Mutex; a callback
// that re-enters the handle on the goroutine already holding it panics with a
// stack trace instead of hanging the node.
package idmutex

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

type goroutineID uint64

// Mutex is a sync.Mutex that remembers which goroutine holds it, so that
// Network and the test doubles can embed it as their single guard. The zero
// value is unlocked.
type Mutex struct {
	mu     sync.Mutex
	holder uint64
}

func (m *Mutex) Lock() {
	gID := getGoroutineID()
	if goroutineID(atomic.LoadUint64(&m.holder)) == gID {
		panic("idmutex: goroutine " + fmt.Sprint(gID) + " already holds this mutex, deadlock")
	}
	m.mu.Lock()
	atomic.StoreUint64(&m.holder, uint64(gID))
}

func (m *Mutex) Unlock() {
	atomic.StoreUint64(&m.holder, 0)
	m.mu.Unlock()
}

// if you use this for anything other than debugging you will go straight to hell
func getGoroutineID() goroutineID {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return goroutineID(n)
}
