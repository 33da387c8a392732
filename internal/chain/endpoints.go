package chain

import "sync/atomic"

// Endpoints is a best-effort round-robin cursor over static upstream
// RPC URLs. Non-linearizable on purpose: a racing rotation wastes at
// most one retry and never corrupts state.
type Endpoints struct {
	urls   []string
	cursor atomic.Uint32
}

func NewEndpoints(urls []string) *Endpoints {
	return &Endpoints{urls: urls}
}

func (e *Endpoints) Current() string {
	if len(e.urls) == 0 {
		return ""
	}
	return e.urls[int(e.cursor.Load())%len(e.urls)]
}

func (e *Endpoints) Rotate() string {
	if len(e.urls) == 0 {
		return ""
	}
	n := e.cursor.Add(1)
	return e.urls[int(n)%len(e.urls)]
}

func (e *Endpoints) Len() int {
	return len(e.urls)
}
