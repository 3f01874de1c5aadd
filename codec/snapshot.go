package codec

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"
)

// SnapshotRoutingByte marks a terminal payload as carrying a snapshot chunk,
// shared between the inner payload header here and the Terminal variant's
// routing byte (spec.md §4.7): both are 0x02.
const SnapshotRoutingByte = 0x02

// ReassemblyTimeout discards an incomplete snapshot 10s after its first chunk.
const ReassemblyTimeout = 10 * time.Second

var ErrSnapshotHeaderShort = errors.New("codec: snapshot chunk header too short")

// SnapshotChunk is one decoded chunk of a terminal snapshot.
// Wire layout: [0x02][snapshot_id:u32 LE][chunk_idx:u16 LE][total_chunks:u16 LE][data...]
type SnapshotChunk struct {
	SnapshotID  uint32
	ChunkIdx    uint16
	TotalChunks uint16
	Data        []byte
}

// EncodeSnapshotChunk serializes one chunk of a snapshot.
func EncodeSnapshotChunk(c SnapshotChunk) []byte {
	out := make([]byte, 1+4+2+2+len(c.Data))
	out[0] = SnapshotRoutingByte
	binary.LittleEndian.PutUint32(out[1:5], c.SnapshotID)
	binary.LittleEndian.PutUint16(out[5:7], c.ChunkIdx)
	binary.LittleEndian.PutUint16(out[7:9], c.TotalChunks)
	copy(out[9:], c.Data)
	return out
}

// DecodeSnapshotChunk parses one chunk header. b must already have had the
// routing byte confirmed by the caller (it is re-checked here too).
func DecodeSnapshotChunk(b []byte) (SnapshotChunk, error) {
	if len(b) < 9 || b[0] != SnapshotRoutingByte {
		return SnapshotChunk{}, ErrSnapshotHeaderShort
	}
	return SnapshotChunk{
		SnapshotID:  binary.LittleEndian.Uint32(b[1:5]),
		ChunkIdx:    binary.LittleEndian.Uint16(b[5:7]),
		TotalChunks: binary.LittleEndian.Uint16(b[7:9]),
		Data:        append([]byte(nil), b[9:]...),
	}, nil
}

type inProgress struct {
	chunks    map[uint16][]byte
	total     uint16
	startedAt time.Time
	timer     *time.Timer
}

// SnapshotReassembler reassembles chunked terminal snapshots. A chunk
// carrying a new snapshot_id supersedes (discards) any partial reassembly in
// progress. When all total_chunks chunks for an id are present, the bytes are
// concatenated in chunk_idx order and emitted exactly once via onComplete.
// An incomplete snapshot is silently discarded after ReassemblyTimeout — no
// partial bytes are ever emitted.
type SnapshotReassembler struct {
	mu         sync.Mutex
	current    *inProgress
	currentID  uint32
	hasCurrent bool
	onComplete func(payload []byte)
	now        func() time.Time
}

// NewSnapshotReassembler builds a reassembler that invokes onComplete exactly
// once per fully-received snapshot.
func NewSnapshotReassembler(onComplete func(payload []byte)) *SnapshotReassembler {
	return &SnapshotReassembler{onComplete: onComplete, now: time.Now}
}

// Feed processes one chunk. Safe for concurrent use.
func (s *SnapshotReassembler) Feed(c SnapshotChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCurrent && s.currentID != c.SnapshotID {
		s.discardLocked()
	}
	if !s.hasCurrent {
		s.currentID = c.SnapshotID
		s.hasCurrent = true
		s.current = &inProgress{
			chunks:    make(map[uint16][]byte),
			total:     c.TotalChunks,
			startedAt: s.now(),
		}
		id := c.SnapshotID
		s.current.timer = time.AfterFunc(ReassemblyTimeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.hasCurrent && s.currentID == id {
				s.discardLocked()
			}
		})
	}

	s.current.chunks[c.ChunkIdx] = c.Data
	if uint16(len(s.current.chunks)) >= s.current.total && s.current.total > 0 {
		s.completeLocked()
	}
}

func (s *SnapshotReassembler) completeLocked() {
	cur := s.current
	idxs := make([]int, 0, len(cur.chunks))
	for idx := range cur.chunks {
		idxs = append(idxs, int(idx))
	}
	sort.Ints(idxs)
	var out []byte
	for _, idx := range idxs {
		out = append(out, cur.chunks[uint16(idx)]...)
	}
	cur.timer.Stop()
	s.hasCurrent = false
	s.current = nil
	if s.onComplete != nil {
		s.onComplete(out)
	}
}

func (s *SnapshotReassembler) discardLocked() {
	if s.current != nil && s.current.timer != nil {
		s.current.timer.Stop()
	}
	s.hasCurrent = false
	s.current = nil
}

// Stop cancels any pending reassembly timer.
func (s *SnapshotReassembler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}
