package agentrink

// Difference returns a - b, i.e. the keys in `a` that are not in `b`
func Difference[T comparable, V1, V2 any](a map[T]V1, b map[T]V2) []T {
	var ret []T
	for k := range a {
		if _, ok := b[k]; ok {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}

// set is an unordered set of task ids.
type set[T comparable] map[T]struct{}

func (s set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s set[T]) Remove(v T) {
	delete(s, v)
}

func (s set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}
