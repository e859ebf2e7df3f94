// Package engine defines the boundary with the protocol engine collaborator.
//
// Ownership boundary:
// - transfer and priority vocabulary shared with the engine
//
// - the Engine contract: subscription management, the priority-ordered
//   outbound send queue, and inbound frame acceptance
//
// - the Allocator contract the engine draws frame and payload storage from
//
// Reassembly, CRC/priority semantics, and wire encoding live behind this
// boundary and are not reimplemented in this repository.
package engine
