// Package widgetsync maintains a local, subscribable mirror of remote kernel
// objects ("widget models") driven by an asynchronous comm message protocol.
//
// The engine is built from a small number of cooperating pieces:
//
//   - Store: the single owner of all model state, with whole-store, per-model,
//     per-key, and custom-message subscriptions
//   - CommRouter: decodes inbound comm envelopes into store mutations and
//     builds outbound envelopes for an injected transport
//   - buffer path codec: embeds and extracts out-of-band binary buffers at
//     addressed locations inside JSON state
//   - LinkManager: mirrors declared property links between models
//   - CanvasRouter / Surface: routes and executes the binary drawing command
//     sub-protocol against a 2D drawing context
//
// Logging convention:
// Info for abnormal events that should be silent in normal operation,
// V(1) for key per-message events, V(2) for frequent trace events.
// Subsystem tags: [store], [comm], [link], [cv], [t].
package widgetsync
