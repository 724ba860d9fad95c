package bridge

// FlowCapacity is the number of slots in a FlowBuffer. One slot is always
// left free to tell "full" from "empty", so at most FlowCapacity-1 bytes are
// held at once.
const FlowCapacity = 256

// FlowBuffer is a single-producer single-consumer byte ring. It does no
// locking: the producer (link ingestion) and consumer (bus streaming) run on
// the same control loop.
type FlowBuffer struct {
	buf   [FlowCapacity]byte
	write uint8
	read  uint8

	dropped uint64
}

// TryPush appends b. When the buffer is full the byte is dropped, the drop
// counter is incremented and false is returned; buffered data is never
// overwritten.
func (f *FlowBuffer) TryPush(b byte) bool {
	if f.Full() {
		f.dropped++
		return false
	}
	f.buf[f.write] = b
	f.write++
	return true
}

// TryPop removes the oldest byte.
func (f *FlowBuffer) TryPop() (byte, bool) {
	if f.read == f.write {
		return 0, false
	}
	b := f.buf[f.read]
	f.read++
	return b, true
}

// Full reports whether the next push would be dropped.
func (f *FlowBuffer) Full() bool {
	return f.write == f.read-1
}

// Len is the current occupancy.
func (f *FlowBuffer) Len() int {
	return int(f.write - f.read)
}

// Dropped is the number of bytes discarded on overflow since creation.
func (f *FlowBuffer) Dropped() uint64 {
	return f.dropped
}

// Reset empties the buffer. The drop counter is kept.
func (f *FlowBuffer) Reset() {
	f.write = 0
	f.read = 0
}
