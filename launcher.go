package renderhost

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Endpoint is one launched render-host incarnation as the supervisor sees
// it: a connected transport, a way to learn how the incarnation died, and a
// way to bring it down.
type Endpoint struct {
	// Transport is the application end of the channel to the incarnation.
	Transport Transport

	// Wait blocks until the incarnation terminates. It returns a crash
	// report for abnormal termination and nil for a clean exit. Safe to call
	// concurrently with Terminate.
	Wait func() *CrashReport

	// Terminate asks the incarnation to stop, escalating if it does not.
	Terminate func() error
}

// Launcher starts render-host incarnations for the supervisor. Two
// implementations ship with the package: ProcessLauncher runs the host as a
// supervised child process, LoopbackLauncher runs it in this process over an
// in-memory transport.
type Launcher interface {
	Launch(ctx context.Context) (*Endpoint, error)
}

// ProcessLauncher launches the render host as a child process. The channel
// endpoints are three inherited pipe descriptors whose numbers, together
// with the mode flag, are passed on the command line: the out-of-band
// bootstrap configuration the child looks for in RunIfRenderHost.
type ProcessLauncher struct {
	// Command is the executable and leading arguments for the child.
	// Defaults to re-executing the current binary with no extra arguments.
	Command []string

	// Env lists additional environment variables as KEY=VALUE pairs.
	Env []string

	// TerminateTimeout is how long Terminate waits after SIGTERM before
	// killing the child. Defaults to 5s.
	TerminateTimeout time.Duration

	// Logger receives launch diagnostics.
	Logger zerolog.Logger
}

// Launch starts the child and returns its endpoint once the process is
// running. The version gate has not run yet; that happens when the
// supervisor builds the channel.
func (pl *ProcessLauncher) Launch(ctx context.Context) (*Endpoint, error) {
	argv := pl.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		argv = []string{self}
	}

	// Three pipe pairs: requests toward the host, responses/events back,
	// and the status pipe the host writes crash records to.
	hostInR, hostInW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	hostOutR, hostOutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	fds := setExtraFiles(cmd, []*os.File{hostInR, hostOutW, statusW})
	cmd.Args = append(cmd.Args, renderHostFlag, fds[0], fds[1], fds[2])
	cmd.Env = append(os.Environ(), pl.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		hostInR.Close()
		hostInW.Close()
		hostOutR.Close()
		hostOutW.Close()
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("start render host: %w", err)
	}
	pl.Logger.Info().Int("pid", cmd.Process.Pid).Str("path", argv[0]).
		Msg("render host launched")

	// The child owns its ends now.
	hostInR.Close()
	hostOutW.Close()
	statusW.Close()

	// Drain the status pipe for the crash record the host writes on panic.
	reportCh := make(chan *CrashReport, 1)
	go func() {
		defer statusR.Close()
		scanner := bufio.NewScanner(statusR)
		for scanner.Scan() {
			report, err := parseCrashReport(scanner.Bytes())
			if err != nil {
				pl.Logger.Debug().Err(err).Msg("unreadable status record")
				continue
			}
			select {
			case reportCh <- report:
			default:
			}
		}
	}()

	// Single waiter for the process; Wait and Terminate both key off it.
	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	timeout := pl.TerminateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Endpoint{
		Transport: NewPipeTransport(hostOutR, hostInW),
		Wait: func() *CrashReport {
			<-waitDone
			var report *CrashReport
			select {
			case report = <-reportCh:
			default:
			}
			if waitErr == nil {
				return report
			}
			code, sig := exitStatus(waitErr)
			if report == nil {
				report = &CrashReport{Thread: "render-host"}
			}
			report.ExitCode = code
			if sig != "" {
				report.Signal = sig
			}
			return report
		},
		Terminate: func() error {
			if cmd.Process == nil {
				return nil
			}
			select {
			case <-waitDone:
				return nil
			default:
			}
			if err := signalTerm(cmd.Process); err != nil {
				return err
			}
			select {
			case <-waitDone:
				return nil
			case <-time.After(timeout):
				if err := cmd.Process.Kill(); err != nil {
					return err
				}
				<-waitDone
				return nil
			}
		},
	}, nil
}

// LoopbackLauncher runs the render-host role inside the application process
// over a LoopbackTransport, for debugging and for environments without
// process-spawning capability. The message contract is identical to process
// mode; only the transport differs.
//
// Claiming the role is once per process lifetime: a second Launch, and
// therefore any respawn after an in-process crash, fails with
// ErrHostAlreadyRunning. A crashed in-process host has corrupted shared
// state the supervisor cannot isolate, so there is nothing safe to respawn.
type LoopbackLauncher struct {
	// Options configures the in-process host.
	Options HostOptions

	// Configure registers handlers and extensions on each launched host.
	Configure func(*Host)
}

func (ll *LoopbackLauncher) Launch(ctx context.Context) (*Endpoint, error) {
	if err := claimHostRole(); err != nil {
		return nil, err
	}

	appEnd, hostEnd := NewLoopbackPair()
	host := NewHost(ll.Options)
	if ll.Configure != nil {
		ll.Configure(host)
	}

	reportCh := make(chan *CrashReport, 1)
	host.onPanic = func(report *CrashReport) {
		select {
		case reportCh <- report:
		default:
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				report := &CrashReport{
					ExitCode: -1,
					Panic:    panicText(r),
					Location: panicLocation(),
					Thread:   "render-host",
				}
				select {
				case reportCh <- report:
				default:
				}
			}
			hostEnd.Close()
		}()
		host.Serve(hostEnd)
	}()

	return &Endpoint{
		Transport: appEnd,
		Wait: func() *CrashReport {
			<-done
			select {
			case report := <-reportCh:
				return report
			default:
				return nil
			}
		},
		Terminate: func() error {
			host.Stop()
			hostEnd.Close()
			return nil
		},
	}, nil
}
