// Package chunk reassembles payloads that workers stream as indexed slices.
//
// The first chunk seen for a job fixes the total. A buffer completes only when
// every index in [0, total) is present, so a miscounted total can never emit a
// payload with a gap. A completed job keeps a tombstone until Discard so late
// retransmissions are ignored instead of starting a new buffer.
//
// Reassembler is not safe for concurrent use; the broker loop owns it.
package chunk

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

var (
	ErrInvalidTotal    = errors.New("chunk total out of range")
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	ErrTotalMismatch   = errors.New("chunk total differs from first chunk")
	ErrAlreadyComplete = errors.New("payload already complete")
)

type buffer struct {
	total    int
	received map[int][]byte
	size     int
}

// Progress describes a partially received payload.
type Progress struct {
	Received int
	Total    int
}

// DefaultMaxTotal matches the default 50 MiB message limit: every chunk
// carries at least one byte.
const DefaultMaxTotal = 50 << 20

// Reassembler holds one buffer per job.
type Reassembler struct {
	buffers  map[types.JobID]*buffer
	done     map[types.JobID]struct{}
	maxTotal int
}

// New returns an empty Reassembler that rejects a first chunk claiming more
// than maxTotal chunks. maxTotal <= 0 means DefaultMaxTotal.
func New(maxTotal int) *Reassembler {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	return &Reassembler{
		buffers:  make(map[types.JobID]*buffer),
		done:     make(map[types.JobID]struct{}),
		maxTotal: maxTotal,
	}
}

// Add stores one chunk. When the buffer becomes complete it returns the
// concatenated payload with complete=true, exactly once per job.
//
// A chunk whose total disagrees with the first chunk is still stored; the
// first total stays authoritative and ErrTotalMismatch is returned alongside
// so callers can log it.
func (r *Reassembler) Add(jobID types.JobID, index, total int, data []byte) ([]byte, bool, error) {
	if _, ok := r.done[jobID]; ok {
		return nil, false, fmt.Errorf("%w: %s", ErrAlreadyComplete, jobID)
	}

	buf, ok := r.buffers[jobID]
	if !ok {
		if total <= 0 || total > r.maxTotal {
			return nil, false, fmt.Errorf("%w: got %d, limit %d", ErrInvalidTotal, total, r.maxTotal)
		}
		buf = &buffer{total: total, received: make(map[int][]byte)}
		r.buffers[jobID] = buf
	}

	if index < 0 || index >= buf.total {
		return nil, false, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, buf.total)
	}

	var warn error
	if total != buf.total {
		warn = fmt.Errorf("%w: %d != %d", ErrTotalMismatch, total, buf.total)
	}

	if prev, dup := buf.received[index]; dup {
		buf.size -= len(prev)
	}
	buf.received[index] = append([]byte(nil), data...)
	buf.size += len(data)

	if len(buf.received) < buf.total {
		return nil, false, warn
	}
	for i := 0; i < buf.total; i++ {
		if _, ok := buf.received[i]; !ok {
			return nil, false, warn
		}
	}

	payload := make([]byte, 0, buf.size)
	for i := 0; i < buf.total; i++ {
		payload = append(payload, buf.received[i]...)
	}
	delete(r.buffers, jobID)
	r.done[jobID] = struct{}{}
	return payload, true, warn
}

// InProgress reports the state of an incomplete buffer.
func (r *Reassembler) InProgress(jobID types.JobID) (Progress, bool) {
	buf, ok := r.buffers[jobID]
	if !ok {
		return Progress{}, false
	}
	return Progress{Received: len(buf.received), Total: buf.total}, true
}

// Discard drops any buffer or completion marker for the job.
func (r *Reassembler) Discard(jobID types.JobID) {
	delete(r.buffers, jobID)
	delete(r.done, jobID)
}

// Len is the number of incomplete buffers.
func (r *Reassembler) Len() int {
	return len(r.buffers)
}
