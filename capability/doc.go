// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package capability holds the node capability model, the striped in-memory
// Registry that mirrors an external directory, and the Score function that
// matches one node against one requirement.
//
// # Registry
//
// Registry keeps one entry per node id. Upsert and Remove lock a single
// stripe; Refresh pulls the whole directory from a DirectorySource and swaps
// every stripe together, or keeps the previous contents and reports
// Freshness.Degraded when the source fails:
//
//	reg := capability.NewRegistry(capability.DefaultRegistryConfig(), logger,
//	    capability.WithSource(source))
//	if err := reg.Start(ctx); err != nil {
//	    return err
//	}
//	defer reg.Stop()
//
// # Scoring
//
// Score is a pure function. Per requirement capability it derives a raw
// match ratio from the node's level, applies the verified multiplier and the
// history bonus, caps the raw value at 100 and accumulates it by weight.
// Missing capabilities contribute a negative raw value. Node-level load,
// trust and urgency adjustments are applied to the normalized result, which
// is then clamped to [0, 100].
package capability
