// Package merge implements the key-wise map merges shared by the autosave
// collector and the update reconciler. Both operate on JSON-decoded
// map[string]any trees.
package merge

// Deep merges src into dst recursively. Nested maps merge key-wise; arrays
// and primitives are replaced wholesale by the incoming value. dst is
// modified in place and returned.
func Deep(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, incoming := range src {
		existing, ok := dst[key]
		if !ok {
			dst[key] = incoming
			continue
		}
		existingMap, existingIsMap := existing.(map[string]any)
		incomingMap, incomingIsMap := incoming.(map[string]any)
		if existingIsMap && incomingIsMap {
			dst[key] = Deep(existingMap, incomingMap)
			continue
		}
		dst[key] = incoming
	}
	return dst
}

// Spread merges src into dst one level deep: for each top-level key whose
// value is a map on both sides, the nested map is spread key-wise (incoming
// keys replace existing ones); every other key is replaced wholesale.
func Spread(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, incoming := range src {
		existingMap, existingIsMap := dst[key].(map[string]any)
		incomingMap, incomingIsMap := incoming.(map[string]any)
		if existingIsMap && incomingIsMap {
			merged := make(map[string]any, len(existingMap)+len(incomingMap))
			for k, v := range existingMap {
				merged[k] = v
			}
			for k, v := range incomingMap {
				merged[k] = v
			}
			dst[key] = merged
			continue
		}
		dst[key] = incoming
	}
	return dst
}
