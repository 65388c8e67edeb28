// Package uistate accumulates UI-lane upserts into per-view snapshots,
// emits bucketed full-state checkpoints, and reconstructs view state at an
// arbitrary instant from checkpoint plus tail.
package uistate

// DeepMerge folds src into dst and returns dst. Maps merge recursively;
// scalars and arrays replace. A null in src never overwrites an existing
// non-null value; this is the field-level precedence rule that lets sparse
// upserts coexist without erasing each other.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if v == nil {
			if _, exists := dst[k]; exists {
				continue
			}
			dst[k] = nil
			continue
		}
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// CloneState deep-copies a snapshot so callers cannot alias the manager's
// live state.
func CloneState(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if vm, ok := v.(map[string]any); ok {
			out[k] = CloneState(vm)
			continue
		}
		out[k] = v
	}
	return out
}

// ResolvePresentation merges presentation layers in precedence order: user
// override beats admin default beats factory default. Each layer applies
// with the same null-not-overwrite rule, so an explicit null in a higher
// layer cannot blank a lower layer's value.
func ResolvePresentation(factory, admin, user map[string]any) map[string]any {
	out := CloneState(factory)
	out = DeepMerge(out, admin)
	return DeepMerge(out, user)
}
