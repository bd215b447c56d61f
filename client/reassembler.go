package client

// Reassembler turns a raw DataFeed/IndexFeed byte stream back into the
// discrete records a producer originally wrote, per spec.md §4.8: each
// successive pair of index boundaries (prev, next) defines one message
// spanning next-prev bytes from the data queue, with the follow-time
// snapshot's data offset standing in as "prev" for the first message.
type Reassembler struct {
	dataQueue []byte
	prevIndex uint64

	pendingIndices []uint64
}

// NewReassembler returns a Reassembler seeded with the snapshot offsets
// from FollowTopic. dataStart (D0) becomes the boundary the first
// message's length is measured from.
func NewReassembler(dataStart uint64) *Reassembler {
	return &Reassembler{prevIndex: dataStart}
}

// PushData appends newly-received DataFeed bytes to the internal queue.
func (r *Reassembler) PushData(data []byte) {
	r.dataQueue = append(r.dataQueue, data...)
}

// PushIndices appends newly-received IndexFeed boundaries.
func (r *Reassembler) PushIndices(indices []uint64) {
	r.pendingIndices = append(r.pendingIndices, indices...)
}

// Next returns the next fully-reassembled message, if both its index
// boundary and enough data bytes have arrived. ok is false if the caller
// should push more data/indices and try again.
func (r *Reassembler) Next() (message []byte, ok bool) {
	if len(r.pendingIndices) == 0 {
		return nil, false
	}

	next := r.pendingIndices[0]
	length := next - r.prevIndex
	if uint64(len(r.dataQueue)) < length {
		return nil, false
	}

	message = r.dataQueue[:length]
	r.dataQueue = r.dataQueue[length:]
	r.prevIndex = next
	r.pendingIndices = r.pendingIndices[1:]
	return message, true
}
