package av1obu

import "sync"

// handoffController bounds how many frames may be in flight in the
// pixel-decode pipeline at once, and reassembles their eventual Outputs
// back into submission order even though a Decoder's done callback can
// fire out of order across goroutines.
//
// The concurrency cap follows the same bounded-worker-pool shape the
// animation package uses for its parallel frame decode (a fixed-size
// channel of tokens gates how many decodes run at a time); the
// first-failure-wins error cache mirrors that package's firstErr
// bookkeeping, generalized from a blocking WaitGroup drain to an
// asynchronous done callback.
type handoffController struct {
	tokens chan struct{}
	output chan *Output

	mu      sync.Mutex
	pending []*handoffSlot
	err     error
}

type handoffSlot struct {
	out  *Output
	done bool
	err  error
}

func newHandoffController(n int) *handoffController {
	if n < 1 {
		n = 1
	}
	return &handoffController{
		tokens: make(chan struct{}, n),
		output: make(chan *Output, n),
	}
}

// submit reserves a ring slot, blocking if all are occupied, then calls
// decode with a done callback that releases the slot and (once every
// slot submitted before this one has also completed) publishes out on
// the output channel. decode must call the callback exactly once.
func (h *handoffController) submit(out *Output, decode func(done func(error))) {
	h.tokens <- struct{}{}

	slot := &handoffSlot{out: out}
	h.mu.Lock()
	h.pending = append(h.pending, slot)
	h.mu.Unlock()

	decode(func(err error) {
		h.complete(slot, err)
	})
}

func (h *handoffController) complete(slot *handoffSlot, err error) {
	h.mu.Lock()
	slot.done = true
	slot.err = err
	for len(h.pending) > 0 && h.pending[0].done {
		s := h.pending[0]
		h.pending = h.pending[1:]
		if s.err != nil {
			if h.err == nil {
				h.err = s.err
			}
			s.out.FrameError = true
		}
		h.mu.Unlock()

		h.output <- s.out
		<-h.tokens

		h.mu.Lock()
	}
	h.mu.Unlock()
}

// takeError returns and clears the first cached worker error, if any.
func (h *handoffController) takeError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.err
	h.err = nil
	return err
}
