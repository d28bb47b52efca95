package renderhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// startHostChannel wires a Host and a Channel over a loopback pair, the
// minimal two-role setup most protocol tests need.
func startHostChannel(t *testing.T, configure func(*Host)) (*Channel, *Host) {
	t.Helper()
	appEnd, hostEnd := NewLoopbackPair()
	host := NewHost(HostOptions{})
	if configure != nil {
		configure(host)
	}
	go host.Serve(hostEnd)

	ch, err := NewChannel(appEnd, nil, ProtocolVersion, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(func() {
		ch.Close()
		host.Stop()
	})
	return ch, host
}

func echoHandler(ctx context.Context, body []byte) ([]byte, error) {
	return body, nil
}

func TestChannelCall(t *testing.T) {
	ch, _ := startHostChannel(t, func(h *Host) {
		h.RegisterHandler("echo", echoHandler)
	})

	got, err := ch.Call(context.Background(), "echo", []byte("payload"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Call = %q, want %q", got, "payload")
	}
}

func TestChannelRemoteError(t *testing.T) {
	ch, _ := startHostChannel(t, func(h *Host) {
		h.RegisterHandler("fail", func(ctx context.Context, body []byte) ([]byte, error) {
			return nil, fmt.Errorf("no can do")
		})
	})

	_, err := ch.Call(context.Background(), "fail", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call = %v, want *RemoteError", err)
	}
	if remote.Method != "fail" || remote.Message != "no can do" {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestChannelUnknownMethod(t *testing.T) {
	ch, _ := startHostChannel(t, nil)

	_, err := ch.Call(context.Background(), "nope", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call = %v, want *RemoteError", err)
	}
}

func TestChannelConcurrentCallers(t *testing.T) {
	ch, _ := startHostChannel(t, func(h *Host) {
		h.RegisterHandler("echo", echoHandler)
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("caller-%d", i)
			got, err := ch.Call(context.Background(), "echo", []byte(want))
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if string(got) != want {
				t.Errorf("caller %d got %q, want %q: response misdelivered", i, got, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestChannelTimeoutRetiresSequence(t *testing.T) {
	release := make(chan struct{})
	ch, _ := startHostChannel(t, func(h *Host) {
		h.RegisterHandler("slow", func(ctx context.Context, body []byte) ([]byte, error) {
			<-release
			return []byte("late"), nil
		})
		h.RegisterHandler("echo", echoHandler)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call = %v, want ErrTimeout", err)
	}

	// Let the late response arrive; it must be dropped, not delivered to
	// the next caller.
	close(release)
	got, err := ch.Call(context.Background(), "echo", []byte("fresh"))
	if err != nil {
		t.Fatalf("Call after timeout: %v", err)
	}
	if string(got) != "fresh" {
		t.Errorf("late response misdelivered: got %q", got)
	}
}

func TestChannelDeathFailsPendingExactlyOnce(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	ch, host := startHostChannel(t, func(h *Host) {
		h.RegisterHandler("hang", func(ctx context.Context, body []byte) ([]byte, error) {
			<-block
			return nil, nil
		})
	})

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := ch.Call(context.Background(), "hang", nil)
			results <- err
		}()
	}

	// Give the requests time to land, then kill the host.
	time.Sleep(20 * time.Millisecond)
	host.Stop()

	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrConnectionLost) {
				t.Errorf("pending call = %v, want ErrConnectionLost", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call never completed after channel death")
		}
	}

	// Post-death calls fail immediately with the same distinguished error.
	if _, err := ch.Call(context.Background(), "hang", nil); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("call on dead channel = %v, want ErrConnectionLost", err)
	}
}

func TestChannelEventsPreserveOrder(t *testing.T) {
	ch, host := startHostChannel(t, nil)

	const n = 50
	for i := 0; i < n; i++ {
		if err := host.PushEvent("app.tick", []byte{byte(i)}); err != nil {
			t.Fatalf("PushEvent %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch.Events():
			if ev.Topic != "app.tick" || len(ev.Body) != 1 || ev.Body[0] != byte(i) {
				t.Fatalf("event %d out of order: %+v", i, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestChannelEventsClosedOnDeath(t *testing.T) {
	ch, host := startHostChannel(t, nil)
	host.Stop()

	select {
	case _, ok := <-waitClosed(ch.Events()):
		if ok {
			t.Error("expected events channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel never closed after channel death")
	}
}

// waitClosed drains ev until it closes, forwarding the closed state.
func waitClosed(ev <-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		for range ev {
		}
		close(out)
	}()
	return out
}
