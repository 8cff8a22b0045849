package scene

// MergeProps structurally merges patch into base and returns the result.
// For each key: when both sides hold objects the merge recurses, otherwise
// the incoming value overwrites. Arrays and scalars are replaced wholesale,
// never merged element-wise. Neither input is mutated.
func MergeProps(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		bv, ok := out[k]
		if ok {
			bm, bIsMap := bv.(map[string]any)
			pm, pIsMap := v.(map[string]any)
			if bIsMap && pIsMap {
				out[k] = MergeProps(bm, pm)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
