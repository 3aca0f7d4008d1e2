package repl

// DetectCycle implements the decision recorded in DESIGN.md for spec §9's
// open question: an incoming replication connection whose source URL
// already appears as an ancestor in this node's own inbound sink chain
// would loop the replication stream back on itself, so Handler.admit
// rejects it outright rather than leaving it to manifest as a live-lock
// of mutual senders.
//
// ancestors is the chain of connection strings this node is itself
// currently being replicated-from as a sink (i.e. its own inbound
// sources that are themselves sinks), built up by the caller as it walks
// the configured topology.
func DetectCycle(candidateConnStr string, ancestors []string) bool {
	for _, a := range ancestors {
		if a == candidateConnStr {
			return true
		}
	}
	return false
}
