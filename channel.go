package renderhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is an unsolicited notification emitted by the render host, delivered
// to the application in the order the host emitted it.
type Event struct {
	Topic string
	Body  []byte
}

// RemoteError is a failure reported by the render host for one request. The
// channel itself is still healthy.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("render host rejected %q: %s", e.Method, e.Message)
}

type callResult struct {
	data []byte
	err  error
}

// pendingCall is one caller's response slot. onResult, when set, runs on the
// channel reader before the result is delivered, so that caches implied by a
// response (resource ids, extension ids) are only ever mutated by the reader.
type pendingCall struct {
	method   string
	ch       chan callResult
	onResult func(data []byte)
}

// Channel is the application side of one live connection to a render-host
// incarnation. It owns the outgoing sequence counter and a dedicated reader
// goroutine that matches responses to waiting callers by sequence number and
// queues events for the application.
//
// A Channel is bound to exactly one incarnation; when that incarnation dies
// the channel dies with it, every in-flight request fails with
// ErrConnectionLost in one sweep, and the supervisor replaces the channel
// wholesale.
type Channel struct {
	transport   Transport
	ser         Serializer
	incarnation uuid.UUID
	log         zerolog.Logger

	nextSeq atomic.Uint64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	dead     bool
	deathErr error

	events *orderedQueue[Event]
	done   chan struct{}
}

// NewChannel runs the version gate on a fresh transport and, on success,
// starts the channel reader. The version gate is the very first protocol
// step: on mismatch the transport is closed and a *VersionMismatchError is
// returned before any other traffic.
func NewChannel(t Transport, ser Serializer, version string, log zerolog.Logger) (*Channel, error) {
	if ser == nil {
		ser = MsgpackSerializer{}
	}
	incarnation, err := handshake(t, ser, version, uuid.Nil)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		transport:   t,
		ser:         ser,
		incarnation: incarnation,
		log:         log,
		pending:     make(map[uint64]*pendingCall),
		events:      newOrderedQueue[Event](),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Incarnation identifies the render-host incarnation this channel is bound
// to. Resource and extension identifiers are only meaningful together with
// this token.
func (c *Channel) Incarnation() uuid.UUID {
	return c.incarnation
}

// Events returns the ordered queue of notifications from the render host.
// The channel is closed when the Channel dies.
func (c *Channel) Events() <-chan Event {
	return c.events.out
}

// Call sends one request and blocks until its matched response, the
// context's deadline, or channel death, whichever comes first. Exactly one
// of {response, ErrTimeout, ErrConnectionLost} is observed per request.
//
// On timeout the sequence number is retired; a late response for a retired
// number is dropped by the reader, never misdelivered to another caller.
func (c *Channel) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	return c.call(ctx, method, body, nil)
}

func (c *Channel) call(ctx context.Context, method string, body []byte, onResult func([]byte)) ([]byte, error) {
	payload, err := c.ser.Marshal(&requestBody{Method: method, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode request %q: %w", method, err)
	}

	seq := c.nextSeq.Add(1)
	slot := &pendingCall{
		method:   method,
		ch:       make(chan callResult, 1),
		onResult: onResult,
	}

	c.mu.Lock()
	if c.dead {
		err := c.deathErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[seq] = slot
	c.mu.Unlock()

	frame := encodeMessage(&Message{Kind: KindRequest, Seq: seq, Payload: payload})
	c.writeMu.Lock()
	err = c.transport.Send(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.retire(seq)
		c.die(mapTransportError(err))
		return nil, ErrConnectionLost
	}

	select {
	case res := <-slot.ch:
		return res.data, res.err
	case <-ctx.Done():
		c.retire(seq)
		return nil, fmt.Errorf("%w: %s (%v)", ErrTimeout, method, ctx.Err())
	}
}

// retire removes a sequence number from the pending map so that a late
// response is silently dropped.
func (c *Channel) retire(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// Close tears the channel down. Pending requests fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.die(ErrChannelClosed)
	return nil
}

// die marks the channel dead exactly once, fails every outstanding request
// in one sweep, closes the event queue, and releases the transport.
func (c *Channel) die(cause error) {
	if cause == nil {
		cause = ErrConnectionLost
	}
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	c.deathErr = cause
	outstanding := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, slot := range outstanding {
		slot.ch <- callResult{err: cause}
	}
	c.events.close()
	close(c.done)
	c.transport.Close()

	c.log.Debug().Err(cause).Int("outstanding", len(outstanding)).
		Msg("channel torn down")
}

// readLoop is the single reader for this channel. It matches responses to
// their sequence-number slot and enqueues events; it never blocks on
// application logic.
func (c *Channel) readLoop() {
	for {
		frame, err := c.transport.Receive()
		if err != nil {
			c.die(mapTransportError(err))
			return
		}
		msg, err := decodeMessage(frame)
		if err != nil {
			c.die(err)
			return
		}

		switch msg.Kind {
		case KindResponse:
			var rb responseBody
			if err := c.ser.Unmarshal(msg.Payload, &rb); err != nil {
				c.die(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
				return
			}
			c.mu.Lock()
			slot := c.pending[msg.Seq]
			delete(c.pending, msg.Seq)
			c.mu.Unlock()
			if slot == nil {
				// Retired (timed out) sequence number; drop.
				c.log.Debug().Uint64("seq", msg.Seq).Msg("dropping late response")
				continue
			}
			if rb.Error != "" {
				slot.ch <- callResult{err: &RemoteError{Method: slot.method, Message: rb.Error}}
				continue
			}
			if slot.onResult != nil {
				slot.onResult(rb.Body)
			}
			slot.ch <- callResult{data: rb.Body}

		case KindEvent:
			var eb eventBody
			if err := c.ser.Unmarshal(msg.Payload, &eb); err != nil {
				c.die(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
				return
			}
			c.events.push(Event{Topic: eb.Topic, Body: eb.Body})

		default:
			// Requests and handshake frames never arrive on the application
			// side after the gate; treat as a protocol violation.
			c.die(fmt.Errorf("%w: unexpected %s frame", ErrMalformedFrame, msg.Kind))
			return
		}
	}
}

