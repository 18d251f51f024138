package api

type replayEntry struct {
	Seq  int64
	Data []byte
}

// replayBuffer is a fixed-size ring of recent envelopes, oldest first.
// The hub's lock guards it.
type replayBuffer struct {
	buf  []replayEntry
	pos  int
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = recentTrades
	}
	return &replayBuffer{buf: make([]replayEntry, capacity)}
}

// Push appends an envelope, overwriting the oldest when full.
func (rb *replayBuffer) Push(seq int64, data []byte) {
	rb.buf[rb.pos] = replayEntry{Seq: seq, Data: data}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// Since returns the envelopes with a seq greater than after.
func (rb *replayBuffer) Since(after int64) [][]byte {
	var out [][]byte
	for i := 0; i < rb.Len(); i++ {
		e := rb.buf[rb.index(i)]
		if e.Seq > after {
			out = append(out, e.Data)
		}
	}
	return out
}

// All returns every buffered envelope.
func (rb *replayBuffer) All() [][]byte { return rb.Since(0) }

// Len returns the number of buffered entries.
func (rb *replayBuffer) Len() int {
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

func (rb *replayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % len(rb.buf)
	}
	return logical
}
