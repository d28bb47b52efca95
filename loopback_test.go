package renderhost

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// runSession drives an identical request/event exchange over the given
// transport pair and returns everything the application side observed.
func runSession(t *testing.T, appEnd, hostEnd Transport) []string {
	t.Helper()

	host := NewHost(HostOptions{})
	host.RegisterHandler("echo", echoHandler)
	go host.Serve(hostEnd)
	defer host.Stop()

	ch, err := NewChannel(appEnd, nil, ProtocolVersion, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	var observed []string

	resp, err := ch.Call(context.Background(), "echo", []byte("first"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	observed = append(observed, "resp:"+string(resp))

	if err := host.PushEvent("app.tick", []byte("tock")); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	select {
	case ev := <-ch.Events():
		observed = append(observed, "event:"+ev.Topic+":"+string(ev.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}

	resp, err = ch.Call(context.Background(), "echo", []byte("second"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return append(observed, "resp:"+string(resp))
}

// The same-process transport must be indistinguishable from the process one
// at the message level.
func TestLoopbackMatchesPipeTransport(t *testing.T) {
	appPipe, hostPipe := pipePair(t)
	overPipes := runSession(t, appPipe, hostPipe)

	appLoop, hostLoop := NewLoopbackPair()
	overLoopback := runSession(t, appLoop, hostLoop)

	if !reflect.DeepEqual(overPipes, overLoopback) {
		t.Errorf("transcripts differ:\n pipes:    %v\n loopback: %v", overPipes, overLoopback)
	}
}
