package renderhost

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

// pipePair builds two connected PipeTransports over real OS pipes, the same
// shape the process launcher sets up between parent and child.
func pipePair(t *testing.T) (app, host *PipeTransport) {
	t.Helper()
	toHostR, toHostW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fromHostR, fromHostW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	app = NewPipeTransport(fromHostR, toHostW)
	host = NewPipeTransport(toHostR, fromHostW)
	t.Cleanup(func() {
		app.Close()
		host.Close()
	})
	return app, host
}

func TestPipeTransportRoundTrip(t *testing.T) {
	app, host := pipePair(t)

	frames := [][]byte{
		[]byte("hello"),
		{},
		[]byte("a longer frame with more content than the first"),
	}
	for _, want := range frames {
		if err := app.Send(want); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := host.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Receive = %q, want %q", got, want)
		}
	}
}

func TestPipeTransportLargeFrame(t *testing.T) {
	app, host := pipePair(t)

	// Larger than the buffer pool's staging size, forcing the dedicated
	// allocation path.
	want := make([]byte, 64*1024)
	for i := range want {
		want[i] = byte(i % 251)
	}

	done := make(chan error, 1)
	go func() {
		done <- app.Send(want)
	}()

	got, err := host.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if sendErr := <-done; sendErr != nil {
		t.Fatalf("Send: %v", sendErr)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("large frame corrupted in transit")
	}
}

func TestPipeTransportPeerDisconnect(t *testing.T) {
	app, host := pipePair(t)

	if err := host.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := app.Receive(); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive after peer close = %v, want ErrConnectionLost", err)
	}
}

func TestPipeTransportOrdering(t *testing.T) {
	app, host := pipePair(t)

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			app.Send([]byte{byte(i)})
		}
	}()
	for i := 0; i < n; i++ {
		frame, err := host.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if len(frame) != 1 || frame[0] != byte(i) {
			t.Fatalf("frame %d out of order: got %v", i, frame)
		}
	}
}

func TestLoopbackTransportRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("Receive = %q, want %q", got, "ping")
	}
}

func TestLoopbackTransportSendCopies(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	buf := []byte("original")
	if err := a.Send(buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	copy(buf, "mutated!")

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("sender mutation leaked into frame: %q", got)
	}
}

func TestLoopbackTransportClose(t *testing.T) {
	a, b := NewLoopbackPair()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Receive(); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive after peer close = %v, want ErrConnectionLost", err)
	}
	if err := b.Send([]byte("x")); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Send after peer close = %v, want ErrConnectionLost", err)
	}
}
