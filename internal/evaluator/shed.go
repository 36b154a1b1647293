package evaluator

// Shedder is the bounded-concurrency admission gate of C10 (§4.6). It is
// a plain buffered-channel semaphore: Admit acquires a slot without
// blocking and Release gives it back. Disabled (MaxConcurrent <= 0) it
// always admits, matching the load-test profile toggle (§4.6).
type Shedder struct {
	slots chan struct{}
}

// NewShedder builds a gate with the given permit count. A non-positive
// count disables shedding.
func NewShedder(maxConcurrent int) *Shedder {
	if maxConcurrent <= 0 {
		return &Shedder{}
	}
	return &Shedder{slots: make(chan struct{}, maxConcurrent)}
}

// Admit attempts to acquire a permit without blocking. The returned
// release func must be called exactly once when admitted is true; it is
// nil otherwise.
func (s *Shedder) Admit() (admitted bool, release func()) {
	if s.slots == nil {
		return true, func() {}
	}
	select {
	case s.slots <- struct{}{}:
		return true, func() { <-s.slots }
	default:
		return false, nil
	}
}

// InUse reports the number of currently held permits, for observability.
func (s *Shedder) InUse() int {
	return len(s.slots)
}

// Capacity reports the configured permit count, 0 when shedding is
// disabled.
func (s *Shedder) Capacity() int {
	return cap(s.slots)
}
