// Package renderhost isolates OS windowing and GPU rendering into a
// separate, supervised process and gives the application a reliable,
// ordered, crash-aware channel to it.
//
// A driver or windowing-toolkit crash inside the render host must not take
// the application down. This package provides the pieces that make that
// guarantee hold across a process boundary that can fail at any moment:
// process lifecycle supervision, the version-gated handshake, the
// request/response/event wire protocol, render-host-authoritative resource
// identifiers, extension negotiation, and crash detection with bounded
// respawn.
//
// What pixels look like, how widgets lay out, and how the application reacts
// to configuration changes are all out of scope; this package only moves
// opaque payloads and lifecycle events, reliably and in order.
//
// # Roles
//
// The same binary plays both roles. Early in main, the process checks the
// bootstrap contract and, when launched as a render host, never returns:
//
//	func main() {
//	    renderhost.RunIfRenderHost(func(h *renderhost.Host) {
//	        h.RegisterHandler("render.frame", renderFrame)
//	        h.RegisterExtension("vendor.custom")
//	    })
//	    // normal application startup continues here
//	}
//
// The application side constructs a supervisor and talks through it:
//
//	sup, err := renderhost.NewSupervisor(
//	    renderhost.DefaultSupervisorConfig(),
//	    &renderhost.ProcessLauncher{},
//	    logger,
//	)
//	if err := sup.Start(ctx); err != nil { ... }
//	defer sup.Shutdown()
//
//	resp, err := sup.Call(ctx, "render.frame", payload)
//
// # Crash recovery
//
// The supervisor is an explicit state machine:
//
//	NotStarted → Starting → Connected → Crashed → Respawning → Starting
//	                  │                                │
//	                  └──────→ FatalFailure ←──────────┘
//
// When an incarnation dies, every pending request fails with
// ErrConnectionLost exactly once, the resource and extension caches for that
// incarnation are discarded, and the supervisor respawns with exponential
// backoff up to a configured bound. Exhausting the bound, or any protocol
// version mismatch, is surfaced to the application instead of being retried
// forever.
//
// Resource identifiers are minted only by the render host and are scoped to
// one incarnation: after a crash, an old identifier is invalid even if the
// next incarnation mints the same numeric value. Pair every stored id with
// Supervisor.Incarnation and check Supervisor.IsValid.
//
// # Same-process mode
//
// For debugging, and on platforms where spawning a child is not possible,
// LoopbackLauncher links the render-host role into the application binary
// behind the identical message contract. The role can be claimed once per
// process lifetime.
//
// # Bulk payloads
//
// Control messages travel inline in length-prefixed frames. Large buffers
// (image and font bytes above BulkThreshold) are staged in a SharedRegion
// and referenced by a BulkRef, so they cross the process boundary without a
// second copy.
package renderhost
