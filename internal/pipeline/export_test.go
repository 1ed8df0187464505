package pipeline

// PendingArtifacts returns how many staged artifacts are waiting for the
// watcher to dispatch their path.
func (orchestrator *Orchestrator) PendingArtifacts() int {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	return len(orchestrator.pending)
}
