package canvas

// Merge reconciles two divergent states of the same canvas into one.
// Stroke additions behave as a grow-only set, tombstones win over stale
// adds, and a clear only buries strokes added at or before its issuing
// version. The result's Version is max(local, remote); a caller committing
// the merge as a write bumps it by one, a caller merely observing adopts
// the store's version as is.
//
// Merge is commutative and idempotent: Merge(a, b) and Merge(b, a) carry
// the same stroke set, and Merge(a, a) == a up to map iteration order.
func Merge(local, remote State) State {
	out := Empty(local.CanvasID)
	if out.CanvasID == "" {
		out.CanvasID = remote.CanvasID
	}

	// Owner is immutable after creation; either side may still be the
	// pre-creation empty default.
	out.OwnerID = local.OwnerID
	if out.OwnerID == "" {
		out.OwnerID = remote.OwnerID
	}

	// Single-valued membership and privacy metadata: the side with the
	// higher version carries the later owner decision.
	newer, older := local, remote
	if remote.Version > local.Version {
		newer, older = remote, local
	}
	out.TeamMembers = append([]string(nil), newer.TeamMembers...)
	out.IsPrivate = newer.IsPrivate

	if older.ClearedAt > newer.ClearedAt {
		out.ClearedAt = older.ClearedAt
	} else {
		out.ClearedAt = newer.ClearedAt
	}

	// Tombstone union: a removal observed by either side sticks.
	for id, v := range local.Removed {
		out.Removed[id] = v
	}
	for id, v := range remote.Removed {
		if prev, ok := out.Removed[id]; !ok || v > prev {
			out.Removed[id] = v
		}
	}

	// Stroke union minus tombstones and cleared generations.
	mergeStrokes(&out, local)
	mergeStrokes(&out, remote)

	out.Version = newer.Version
	out.LastUpdated = newer.LastUpdated
	if older.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = older.LastUpdated
	}

	// Export metadata is owned by the export collaborator; last writer
	// wins on LastExported.
	out.ImageURL = local.ImageURL
	out.LastExported = local.LastExported
	if remote.LastExported.After(local.LastExported) {
		out.ImageURL = remote.ImageURL
		out.LastExported = remote.LastExported
	}
	return out
}

func mergeStrokes(out *State, side State) {
	for id, stroke := range side.Strokes {
		if _, dead := out.Removed[id]; dead {
			continue
		}
		added := side.AddedAt[id]
		if added <= out.ClearedAt {
			continue
		}
		if _, ok := out.Strokes[id]; ok {
			continue
		}
		out.Strokes[id] = stroke
		out.AddedAt[id] = added
	}
}
