package renderhost

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoopbackLauncherEndToEnd(t *testing.T) {
	hostRoleClaimed.Store(false)
	defer hostRoleClaimed.Store(false)

	launcher := &LoopbackLauncher{Configure: func(h *Host) {
		h.RegisterHandler("echo", echoHandler)
	}}
	s, err := NewSupervisor(testConfig(), launcher, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer s.Shutdown()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := s.Call(context.Background(), "echo", []byte("in-process"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "in-process" {
		t.Errorf("Call = %q, want %q", got, "in-process")
	}
}

func TestLoopbackLauncherClaimsRoleOnce(t *testing.T) {
	hostRoleClaimed.Store(false)
	defer hostRoleClaimed.Store(false)

	launcher := &LoopbackLauncher{}
	ep, err := launcher.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer ep.Terminate()

	if _, err := launcher.Launch(context.Background()); !errors.Is(err, ErrHostAlreadyRunning) {
		t.Errorf("second Launch = %v, want ErrHostAlreadyRunning", err)
	}
}
