package renderhost

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts typed wire payloads to and from bytes. The default
// implementation uses MessagePack.
type Serializer interface {
	// Marshal encodes a Go value to bytes.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes bytes into a Go value.
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackSerializer is the default Serializer, backed by MessagePack.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// Transport is an ordered, reliable, bidirectional frame stream between the
// application and the render host. Implementations guarantee in-order,
// at-most-once delivery of each frame while the connection is alive, and
// surface peer disconnection as ErrConnectionLost rather than hanging.
//
// A transport failure is fatal to the channel built on top of it, never to
// the supervisor, which may establish a new transport.
type Transport interface {
	// Send transmits one frame to the peer.
	Send(data []byte) error

	// Receive blocks until a complete frame arrives from the peer.
	Receive() ([]byte, error)

	// Close releases the transport. Blocked Receive calls return
	// ErrConnectionLost.
	Close() error

	// Flush pushes any buffered data to the peer immediately.
	Flush() error
}

// maxFrameSize bounds a single inline frame. Payloads larger than this must
// travel through a shared region reference instead.
const maxFrameSize = 64 << 20

// PipeTransport frames byte messages over a unidirectional reader/writer
// pair, typically the two ends of OS pipes shared with a child process. Each
// frame is a 4-byte big-endian length prefix followed by the frame body.
type PipeTransport struct {
	reader io.ReadCloser
	writer io.WriteCloser
	pool   *BufferPool
}

// NewPipeTransport wraps a reader/writer pair in a framing transport.
func NewPipeTransport(reader io.ReadCloser, writer io.WriteCloser) *PipeTransport {
	return &PipeTransport{
		reader: reader,
		writer: writer,
		pool:   NewBufferPool(8192, 16),
	}
}

// Send writes one length-prefixed frame.
func (pt *PipeTransport) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return ErrMalformedFrame
	}
	header := pt.pool.Get()[:4]
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := pt.writer.Write(header); err != nil {
		pt.pool.Put(header)
		return mapTransportError(err)
	}
	pt.pool.Put(header)

	if _, err := pt.writer.Write(data); err != nil {
		return mapTransportError(err)
	}
	return pt.Flush()
}

// Receive reads one length-prefixed frame. Small frames are staged through
// the buffer pool; large frames get a dedicated allocation.
func (pt *PipeTransport) Receive() ([]byte, error) {
	header := pt.pool.Get()[:4]
	if _, err := io.ReadFull(pt.reader, header); err != nil {
		pt.pool.Put(header)
		return nil, mapTransportError(err)
	}
	length := binary.BigEndian.Uint32(header)
	pt.pool.Put(header)

	if length > maxFrameSize {
		return nil, ErrMalformedFrame
	}

	if int(length) <= pt.pool.bufSize {
		buf := pt.pool.Get()[:length]
		if _, err := io.ReadFull(pt.reader, buf); err != nil {
			pt.pool.Put(buf)
			return nil, mapTransportError(err)
		}
		// Copy out so the pooled buffer can be reused.
		frame := make([]byte, length)
		copy(frame, buf)
		pt.pool.Put(buf)
		return frame, nil
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(pt.reader, frame); err != nil {
		return nil, mapTransportError(err)
	}
	return frame, nil
}

// Close closes both pipe ends.
func (pt *PipeTransport) Close() error {
	rerr := pt.reader.Close()
	werr := pt.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// Flush flushes the writer if it supports flushing. Raw os.Pipe ends are
// unbuffered, so this is usually a no-op.
func (pt *PipeTransport) Flush() error {
	if flusher, ok := pt.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// mapTransportError folds the assorted ways a dead peer manifests (EOF on
// read, EPIPE on write, closed file) into the single distinguished
// ErrConnectionLost the rest of the stack keys on.
func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return ErrConnectionLost
	}
	return err
}
