package runstate

// DeepMerge merges src into dst and returns a fresh map. Nested objects
// merge recursively key-wise; arrays and primitives replace. Neither input
// is mutated.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := cloneMap(dst)
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := out[key].(map[string]any); ok {
				out[key] = DeepMerge(dm, sm)
				continue
			}
			out[key] = cloneMap(sm)
			continue
		}
		out[key] = cloneValue(sv)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
