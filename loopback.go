package renderhost

import "sync"

// LoopbackTransport is the same-process alternative to PipeTransport: both
// roles are linked into one binary and frames are handed over as in-memory
// slices, with no serialization of the byte stream itself. It carries exactly
// the same frame contract as a real pipe, so everything above the transport
// behaves identically in both modes.
type LoopbackTransport struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed chan struct{}
	peer   *LoopbackTransport
}

// NewLoopbackPair returns the two connected ends of an in-process transport.
// Frames sent on one end are received on the other, in order. Closing either
// end fails both.
func NewLoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &LoopbackTransport{in: ba, out: ab, closed: make(chan struct{})}
	b := &LoopbackTransport{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Send hands one frame to the peer. The frame is copied so the caller may
// reuse its buffer, matching pipe semantics.
func (lt *LoopbackTransport) Send(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case <-lt.closed:
		return ErrConnectionLost
	case <-lt.peer.closed:
		return ErrConnectionLost
	case lt.out <- frame:
		return nil
	}
}

// Receive blocks until the peer sends a frame or either end closes.
func (lt *LoopbackTransport) Receive() ([]byte, error) {
	select {
	case frame := <-lt.in:
		return frame, nil
	case <-lt.closed:
		return nil, ErrConnectionLost
	case <-lt.peer.closed:
		// Drain frames that were already in flight before the peer closed.
		select {
		case frame := <-lt.in:
			return frame, nil
		default:
			return nil, ErrConnectionLost
		}
	}
}

// Close tears down this end. Both ends observe ErrConnectionLost afterwards.
func (lt *LoopbackTransport) Close() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	select {
	case <-lt.closed:
	default:
		close(lt.closed)
	}
	return nil
}

// Flush is a no-op; loopback frames are visible to the peer on Send.
func (lt *LoopbackTransport) Flush() error {
	return nil
}
