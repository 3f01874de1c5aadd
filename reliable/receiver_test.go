package reliable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capturingDeliver struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *capturingDeliver) deliver(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
}

func (c *capturingDeliver) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func noopAck([]byte) error { return nil }

func TestReceiverInOrderDelivery(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	r.Receive(1, []byte("a"))
	r.Receive(2, []byte("b"))
	r.Receive(3, []byte("c"))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, d.all())
	require.Equal(t, uint64(4), r.NextExpected())
}

func TestReceiverOutOfOrderBuffersThenDrains(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	r.Receive(2, []byte("b"))
	require.Empty(t, d.all())
	r.Receive(3, []byte("c"))
	require.Empty(t, d.all())
	r.Receive(1, []byte("a"))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, d.all())
	require.Equal(t, uint64(4), r.NextExpected())
}

func TestReceiverDuplicateIgnored(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	r.Receive(2, []byte("b"))
	fresh := r.Receive(2, []byte("b"))
	require.False(t, fresh)
	r.Receive(1, []byte("a"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, d.all())
}

func TestReceiverDuplicateBelowNextExpectedIgnored(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	r.Receive(1, []byte("a"))
	r.Receive(2, []byte("b"))
	r.Receive(3, []byte("c"))
	fresh := r.Receive(2, []byte("b"))
	require.False(t, fresh)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, d.all())
}

func TestReceiverRestartDetection(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	r.Receive(1, []byte("a"))
	r.Receive(2, []byte("b"))
	require.Equal(t, uint64(3), r.NextExpected())

	// Peer reconnected with a fresh Sender; its seq counter restarts at 1.
	r.Receive(1, []byte("x"))
	require.Equal(t, uint64(2), r.NextExpected())
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("x")}, d.all())
}

func TestReceiverSendsCoalescedAck(t *testing.T) {
	var mu sync.Mutex
	var acks [][]byte
	xmit := func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		acks = append(acks, frame)
		return nil
	}
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, xmit)
	defer r.Stop()

	r.Receive(1, []byte("a"))
	r.Receive(2, []byte("b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestReceiverPruning(t *testing.T) {
	d := &capturingDeliver{}
	r := NewReceiver(d.deliver, noopAck)
	defer r.Stop()

	for seq := uint64(1); seq <= 1200; seq++ {
		r.Receive(seq, []byte{byte(seq)})
	}
	require.Equal(t, uint64(1201), r.NextExpected())

	r.mu.Lock()
	_, stillTracked := r.received[100]
	r.mu.Unlock()
	require.False(t, stillTracked, "entries far below nextExpected should be pruned")
}
