package renderhost

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSettingsSnapshotEvent(t *testing.T) {
	want := DefaultSettings()
	want.ColorScheme = ColorSchemeDark
	want.Locale = "de-DE"

	appEnd, hostEnd := NewLoopbackPair()
	host := NewHost(HostOptions{Settings: &StaticSettingsSource{Settings: want}})
	go host.Serve(hostEnd)
	defer host.Stop()

	c, err := NewChannel(appEnd, nil, ProtocolVersion, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-c.Events():
		got, err := DecodeSettingsEvent(c.ser, ev)
		if err != nil {
			t.Fatalf("DecodeSettingsEvent: %v", err)
		}
		if got != want {
			t.Errorf("snapshot = %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no settings snapshot after connect")
	}
}

func TestSettingsChangesForwarded(t *testing.T) {
	changes := make(chan Settings, 1)
	defer close(changes)
	source := &FuncSettingsSource{
		WatchFunc: func(ctx context.Context) (<-chan Settings, error) {
			return changes, nil
		},
	}

	appEnd, hostEnd := NewLoopbackPair()
	host := NewHost(HostOptions{Settings: source})
	go host.Serve(hostEnd)
	defer host.Stop()

	c, err := NewChannel(appEnd, nil, ProtocolVersion, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer c.Close()

	// Snapshot first, then the pushed change.
	<-c.Events()
	update := DefaultSettings()
	update.ReducedMotion = true
	changes <- update

	select {
	case ev := <-c.Events():
		got, err := DecodeSettingsEvent(c.ser, ev)
		if err != nil {
			t.Fatalf("DecodeSettingsEvent: %v", err)
		}
		if !got.ReducedMotion {
			t.Errorf("change = %+v, want ReducedMotion set", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("settings change never forwarded")
	}
}

func TestSupervisorSettingsNotification(t *testing.T) {
	want := DefaultSettings()
	want.ColorScheme = ColorSchemeLight

	launcher := &testLauncher{hostOpts: HostOptions{
		Settings: &StaticSettingsSource{Settings: want},
	}}
	s, err := NewSupervisor(testConfig(), launcher, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer s.Shutdown()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := nextNotification(t, s); n.Kind != NoticeConnected {
		t.Fatalf("notification = %+v, want NoticeConnected", n)
	}
	n := nextNotification(t, s)
	if n.Kind != NoticeSettings || n.Settings == nil {
		t.Fatalf("notification = %+v, want NoticeSettings", n)
	}
	if *n.Settings != want {
		t.Errorf("settings = %+v, want %+v", *n.Settings, want)
	}
}

func TestDecodeSettingsEventWrongTopic(t *testing.T) {
	_, err := DecodeSettingsEvent(MsgpackSerializer{}, Event{Topic: "app.tick"})
	if err == nil {
		t.Error("decoding a non-settings event succeeded")
	}
}
