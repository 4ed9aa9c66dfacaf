package runtime

import (
	"context"

	"github.com/kadirpekel/mnemo/pkg/server"
)

var (
	_ server.StatsSource  = (*Runtime)(nil)
	_ server.HealthSource = (*Runtime)(nil)
)

// RuntimeStats reports per-component activity counters.
func (r *Runtime) RuntimeStats() map[string]any {
	stats := map[string]any{
		"agent": r.agent.Stats(),
		"tools": r.toolset.Stats(),
	}
	if r.memory != nil {
		stats["memory"] = r.memory.Stats()
	}
	if r.reflection != nil {
		stats["reflection"] = r.reflection.Stats()
	}
	return stats
}

// OptimizationStatus reports the state of the fast paths: the session
// cache, the embedding service gate, and background queue pressure.
func (r *Runtime) OptimizationStatus() map[string]any {
	sessionStats := r.sessions.Stats()
	status := map[string]any{
		"sessionCache": map[string]any{
			"active":       sessionStats.ActiveSessions,
			"capacity":     r.cfg.Session.CacheSize,
			"evicted":      sessionStats.Evicted,
			"dedupedReads": sessionStats.DedupedReads,
		},
	}

	embeddings := map[string]any{"enabled": false}
	if r.embedder != nil {
		embeddings["enabled"] = r.embedder.Enabled()
		embeddings["model"] = r.embedder.ModelName()
		if reason := r.embedder.Reason(); reason != "" {
			embeddings["reason"] = reason
		}
	}
	status["embeddings"] = embeddings

	if r.pool != nil {
		status["backgroundQueue"] = map[string]any{
			"workers":   r.cfg.Memory.Workers,
			"submitted": r.pool.Submitted(),
			"dropped":   r.pool.Dropped(),
		}
	}

	return status
}

// Health reports per-component connectivity. A vector collection running on
// its in-memory fallback counts as unhealthy: requests keep working but
// stored memories will not survive a restart.
func (r *Runtime) Health(_ context.Context) (map[string]any, bool) {
	healthy := r.store.Connected()

	components := map[string]any{
		"storage": map[string]any{
			"driver":    r.store.Name(),
			"connected": r.store.Connected(),
		},
	}

	if roles := r.vectors.List(); len(roles) > 0 {
		vectors := make(map[string]any, len(roles))
		for _, role := range roles {
			manager, ok := r.vectors.Get(role)
			if !ok {
				continue
			}
			info := manager.Info()
			vectors[role] = map[string]any{
				"backend":    info.Backend,
				"collection": info.Collection,
				"dimension":  info.Dimension,
				"connected":  info.Connected,
				"fallback":   info.Fallback,
			}
			if !info.Connected || info.Fallback {
				healthy = false
			}
		}
		components["vectors"] = vectors
	}

	if r.embedder != nil {
		emb := map[string]any{
			"model":   r.embedder.ModelName(),
			"enabled": r.embedder.Enabled(),
		}
		if reason := r.embedder.Reason(); reason != "" {
			emb["reason"] = reason
		}
		components["embedder"] = emb
		if !r.embedder.Enabled() {
			healthy = false
		}
	}

	return components, healthy
}
