// Package falkor registers FalkorDB-backed graph storage for session
// memory. Use clients/falkor to build the low-level client and pass it to
// NewStore to obtain a memory.Store that persists the bitemporal knowledge
// graph, one graph per deployment.
package falkor
