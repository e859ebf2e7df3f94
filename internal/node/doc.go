// Package node owns concurrency-safety around one shared protocol engine.
//
// Ownership boundary:
// - the single mutex guarding every engine and allocator touch
//
// - the bounded ingestion queue between frame producers and the one
//   processing task
//
// - the backpressure-aware transmit drain over the engine's send queue
//
// Node does not own reassembly, priority semantics, or wire encoding;
// those live behind the engine boundary. It does not own transfer-ID
// bookkeeping; callers pass persistent counters into each transmit call.
//
// Two producer contexts with different capabilities feed one node:
// ordinary tasks may block (IngestFrame, the transmit family), while
// interrupt-style callers get exactly one entry point, IngestFrameNoWait,
// which never blocks and never allocates.
package node
