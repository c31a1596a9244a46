package checks

// IndexBy maps each key to the first record carrying it.
func IndexBy[T any, K comparable](records []T, key func(T) K) map[K]T {
	out := make(map[K]T, len(records))
	for _, r := range records {
		k := key(r)
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = r
	}
	return out
}

// GroupBy maps each foreign key to every record referencing it, in input order.
// A record may reference several keys (an activity with many communications).
func GroupBy[T any, K comparable](records []T, keys func(T) []K) map[K][]T {
	out := make(map[K][]T)
	for _, r := range records {
		for _, k := range uniqueKeys(keys(r)) {
			out[k] = append(out[k], r)
		}
	}
	return out
}

// FirstBy keeps, per key, the record that sorts first under less.
// Ties keep the earlier record in input order.
func FirstBy[T any, K comparable](records []T, keys func(T) []K, less func(a, b T) bool) map[K]T {
	out := make(map[K]T)
	for _, r := range records {
		for _, k := range uniqueKeys(keys(r)) {
			cur, ok := out[k]
			if !ok || less(r, cur) {
				out[k] = r
			}
		}
	}
	return out
}

// Key adapts a single-key extractor for GroupBy and FirstBy.
func Key[T any, K comparable](key func(T) K) func(T) []K {
	return func(r T) []K { return []K{key(r)} }
}

func uniqueKeys[K comparable](keys []K) []K {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[K]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
