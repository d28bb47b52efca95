package renderhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// renderHostFlag is the mode flag of the process bootstrap contract. The
// supervisor appends it, followed by the three channel-endpoint descriptor
// numbers, to the argument list of the child it launches.
const renderHostFlag = "--render-host"

// hostRoleClaimed enforces the once-per-process rule for running the
// render-host role. This is the one piece of deliberately process-wide state
// in the package: the role binds OS windowing and GPU context ownership to
// the process, and that cannot be claimed twice.
var hostRoleClaimed atomic.Bool

func claimHostRole() error {
	if !hostRoleClaimed.CompareAndSwap(false, true) {
		return ErrHostAlreadyRunning
	}
	return nil
}

// Handler processes one application-level request on the render host and
// returns the response payload. Returning an error produces an error
// response for the caller; the channel stays healthy.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// Host is the render-host side of the protocol: it answers the handshake,
// serves requests, mints resource identifiers, resolves extension
// negotiations, and pushes events. One Host represents one incarnation; its
// identity token is minted at construction and announced in the handshake.
type Host struct {
	version     string
	ser         Serializer
	log         zerolog.Logger
	incarnation uuid.UUID

	handlers       map[string]Handler
	defaultHandler Handler
	extensions     *extensionTable
	resources      *resourceAllocator
	settings       SettingsSource

	// onPanic receives the crash report when a handler or the serve loop
	// panics. Process mode writes it to the status pipe and exits; loopback
	// mode records it for the supervisor.
	onPanic func(*CrashReport)

	writeMu   sync.Mutex
	transport Transport
	serving   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HostOptions configures a Host. The zero value is usable: current protocol
// version, MessagePack serialization, no logging, no settings source.
type HostOptions struct {
	// Version overrides the protocol version token (tests only).
	Version string

	// Serializer overrides the payload serializer.
	Serializer Serializer

	// Logger receives host-side diagnostics.
	Logger zerolog.Logger

	// Settings, when set, is bridged to the application as events: a full
	// snapshot right after the handshake, then one event per change.
	Settings SettingsSource
}

// NewHost creates a render-host incarnation with a fresh identity token.
func NewHost(opts HostOptions) *Host {
	if opts.Version == "" {
		opts.Version = ProtocolVersion
	}
	if opts.Serializer == nil {
		opts.Serializer = MsgpackSerializer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		version:     opts.Version,
		ser:         opts.Serializer,
		log:         opts.Logger,
		incarnation: uuid.New(),
		handlers:    make(map[string]Handler),
		extensions:  newExtensionTable(),
		resources:   newResourceAllocator(),
		settings:    opts.Settings,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Incarnation returns this host's identity token.
func (h *Host) Incarnation() uuid.UUID {
	return h.incarnation
}

// RegisterHandler routes requests with the given method name to fn. Methods
// under "core." are reserved for the protocol itself.
func (h *Host) RegisterHandler(method string, fn Handler) {
	h.handlers[method] = fn
}

// SetDefaultHandler sets the fallback for methods without a specific
// handler. Without one, unknown methods produce an error response.
func (h *Host) SetDefaultHandler(fn Handler) {
	h.defaultHandler = fn
}

// RegisterExtension announces an optional capability for negotiation.
// Must be called before Serve.
func (h *Host) RegisterExtension(name string) error {
	_, err := h.extensions.register(name)
	return err
}

// PushEvent sends an application event to the peer. Events are delivered in
// the order they are pushed.
func (h *Host) PushEvent(topic string, body []byte) error {
	if !h.serving.Load() {
		return ErrChannelClosed
	}
	payload, err := h.ser.Marshal(&eventBody{Topic: topic, Body: body})
	if err != nil {
		return fmt.Errorf("encode event %q: %w", topic, err)
	}
	return h.send(encodeMessage(&Message{Kind: KindEvent, Payload: payload}))
}

func (h *Host) send(frame []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.transport.Send(frame)
}

// Serve answers the handshake and then serves requests until the transport
// dies or the host is stopped. The extension table is sealed once serving
// begins; negotiation afterwards is pure lookup, which keeps it idempotent
// and side-effect-free.
func (h *Host) Serve(t Transport) error {
	if !h.serving.CompareAndSwap(false, true) {
		return ErrHostAlreadyRunning
	}
	h.transport = t
	defer func() {
		h.cancel()
		h.wg.Wait()
		t.Close()
	}()

	if _, err := handshake(t, h.ser, h.version, h.incarnation); err != nil {
		return err
	}
	h.extensions.sealTable()
	h.log.Info().Str("incarnation", h.incarnation.String()).Msg("render host serving")

	if h.settings != nil {
		if err := h.pushSettingsSnapshot(); err != nil {
			return err
		}
		h.wg.Add(1)
		go h.watchSettings()
	}

	for {
		frame, err := t.Receive()
		if err != nil {
			return mapTransportError(err)
		}
		msg, err := decodeMessage(frame)
		if err != nil {
			return err
		}
		if msg.Kind != KindRequest {
			return fmt.Errorf("%w: unexpected %s frame on host", ErrMalformedFrame, msg.Kind)
		}

		var rb requestBody
		if err := h.ser.Unmarshal(msg.Payload, &rb); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}

		h.wg.Add(1)
		go func(seq uint64, rb requestBody) {
			defer h.wg.Done()
			defer h.recoverPanic()
			h.dispatch(seq, rb)
		}(msg.Seq, rb)
	}
}

// Stop ends the serve loop by closing the transport.
func (h *Host) Stop() {
	h.cancel()
	if h.transport != nil {
		h.transport.Close()
	}
}

// recoverPanic converts a panic in a handler into a crash report and brings
// the incarnation down. A panic on the render host is never swallowed; the
// supervisor is told how it died.
func (h *Host) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	report := &CrashReport{
		ExitCode: -1,
		Panic:    panicText(r),
		Location: panicLocation(),
		Thread:   "render-host",
	}
	h.log.Error().Str("panic", report.Panic).Str("location", report.Location).
		Msg("render host panicked")
	if h.onPanic != nil {
		h.onPanic(report)
	}
	h.Stop()
}

// panicLocation walks the stack for the first frame outside the runtime and
// this package's panic plumbing. Best effort; empty when nothing useful is
// found.
func panicLocation() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isPanicPlumbing(frame.Function) {
			return fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		if !more {
			return ""
		}
	}
}

func isPanicPlumbing(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasSuffix(fn, ".recoverPanic") ||
		strings.HasSuffix(fn, ".panicLocation")
}

// dispatch routes one request to the core or to an application handler and
// writes the response.
func (h *Host) dispatch(seq uint64, rb requestBody) {
	var data []byte
	var err error

	switch rb.Method {
	case methodNegotiate:
		data, err = h.handleNegotiate(rb.Body)
	case methodAllocate:
		data, err = h.handleAllocate(rb.Body)
	default:
		if fn, ok := h.handlers[rb.Method]; ok {
			data, err = fn(h.ctx, rb.Body)
		} else if h.defaultHandler != nil {
			data, err = h.defaultHandler(h.ctx, rb.Body)
		} else {
			err = fmt.Errorf("unknown method: %s", rb.Method)
		}
	}

	body := &responseBody{Body: data}
	if err != nil {
		body = &responseBody{Error: err.Error()}
	}
	payload, merr := h.ser.Marshal(body)
	if merr != nil {
		h.log.Error().Err(merr).Str("method", rb.Method).Msg("encode response")
		return
	}
	if serr := h.send(encodeMessage(&Message{Kind: KindResponse, Seq: seq, Payload: payload})); serr != nil {
		h.log.Debug().Err(serr).Msg("response not delivered")
	}
}

func (h *Host) handleNegotiate(body []byte) ([]byte, error) {
	var req negotiateRequest
	if err := h.ser.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode negotiate request: %w", err)
	}
	id, ok := h.extensions.lookup(req.Name)
	return h.ser.Marshal(&negotiateResponse{Supported: ok, ID: id})
}

func (h *Host) handleAllocate(body []byte) ([]byte, error) {
	var req allocateRequest
	if err := h.ser.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode allocate request: %w", err)
	}
	id := h.resources.allocate(req.Kind)
	h.log.Debug().Stringer("id", id).Msg("resource allocated")
	return h.ser.Marshal(&allocateResponse{ID: id})
}

func (h *Host) pushSettingsSnapshot() error {
	current, err := h.settings.Current()
	if err != nil {
		// Unsupported platforms degrade to "no change events", never to a
		// serve failure.
		h.log.Debug().Err(err).Msg("settings snapshot unavailable")
		return nil
	}
	body, err := h.ser.Marshal(&current)
	if err != nil {
		return fmt.Errorf("encode settings snapshot: %w", err)
	}
	return h.PushEvent(TopicSettings, body)
}

func (h *Host) watchSettings() {
	defer h.wg.Done()
	changes, err := h.settings.Watch(h.ctx)
	if err != nil || changes == nil {
		h.log.Debug().Err(err).Msg("settings watch unavailable")
		return
	}
	for change := range changes {
		body, err := h.ser.Marshal(&change)
		if err != nil {
			h.log.Error().Err(err).Msg("encode settings change")
			continue
		}
		if err := h.PushEvent(TopicSettings, body); err != nil {
			return
		}
	}
}

// RunIfRenderHost implements the child half of the process bootstrap
// contract. When the process was launched by a supervisor (the mode flag and
// endpoint descriptors are present in argv), it claims the render-host role,
// serves until the connection ends, and exits the process; it never returns
// to normal execution. When the flag is absent it returns immediately and
// the process continues as a normal application.
//
// Call it early in main:
//
//	func main() {
//	    renderhost.RunIfRenderHost(func(h *renderhost.Host) {
//	        h.RegisterHandler("render.frame", renderFrame)
//	    })
//	    // normal application startup
//	}
func RunIfRenderHost(configure func(*Host)) {
	inFD, outFD, statusFD, ok := parseBootstrapArgs(os.Args[1:])
	if !ok {
		return
	}
	if err := claimHostRole(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	in := os.NewFile(uintptr(inFD), "renderhost-in")
	out := os.NewFile(uintptr(outFD), "renderhost-out")
	status := os.NewFile(uintptr(statusFD), "renderhost-status")
	transport := NewPipeTransport(in, out)

	host := NewHost(HostOptions{})
	if configure != nil {
		configure(host)
	}
	host.onPanic = func(report *CrashReport) {
		writeStatusRecord(status, report)
	}

	defer func() {
		if r := recover(); r != nil {
			writeStatusRecord(status, &CrashReport{
				ExitCode: 2,
				Panic:    panicText(r),
				Location: panicLocation(),
				Thread:   "render-host",
			})
			os.Exit(2)
		}
	}()

	err := host.Serve(transport)
	status.Close()
	if err != nil && err != ErrConnectionLost {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// parseBootstrapArgs scans argv for the mode flag followed by the three
// descriptor numbers.
func parseBootstrapArgs(args []string) (in, out, status int, ok bool) {
	for i, arg := range args {
		if arg != renderHostFlag {
			continue
		}
		if len(args) < i+4 {
			return 0, 0, 0, false
		}
		var errs [3]error
		in, errs[0] = strconv.Atoi(args[i+1])
		out, errs[1] = strconv.Atoi(args[i+2])
		status, errs[2] = strconv.Atoi(args[i+3])
		for _, err := range errs {
			if err != nil {
				return 0, 0, 0, false
			}
		}
		return in, out, status, true
	}
	return 0, 0, 0, false
}

// writeStatusRecord writes one JSON line to the status pipe.
func writeStatusRecord(w *os.File, report *CrashReport) {
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	data = append(data, '\n')
	w.Write(data)
	w.Sync()
}
