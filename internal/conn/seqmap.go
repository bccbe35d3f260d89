package conn

import "sort"

// seqMap is a map keyed by sequence number that also supports "smallest
// key" and "all keys below N" operations in sorted order — exactly what
// the receive-side reassembly loop and cumulative-ack eviction need from
// m_sent/m_received (spec §3). It's a plain sorted-slice-plus-map rather
// than a library: the pack's retrieved manifests carry no third-party
// ordered-map for Go (see DESIGN.md), and a slice kept sorted by
// insertion is the idiomatic stdlib answer for windows this small
// (bounded by MaxSendBufferBytes/MaxDataBytes, never more than a handful
// of in-flight entries).
type seqMap[V any] struct {
	m    map[uint32]V
	keys []uint32 // sorted ascending, no duplicates
}

func newSeqMap[V any]() *seqMap[V] {
	return &seqMap[V]{m: make(map[uint32]V)}
}

func (s *seqMap[V]) Len() int {
	return len(s.keys)
}

func (s *seqMap[V]) Get(key uint32) (V, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *seqMap[V]) Set(key uint32, val V) {
	if _, exists := s.m[key]; !exists {
		i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
		s.keys = append(s.keys, 0)
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.m[key] = val
}

func (s *seqMap[V]) Delete(key uint32) {
	if _, exists := s.m[key]; !exists {
		return
	}
	delete(s.m, key)
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
}

// Min returns the smallest key present and its value.
func (s *seqMap[V]) Min() (key uint32, val V, ok bool) {
	if len(s.keys) == 0 {
		return 0, val, false
	}
	key = s.keys[0]
	return key, s.m[key], true
}

// DeleteLessThan erases every entry whose key is strictly less than bound —
// the cumulative-ack eviction in spec §3's SentRecord invariant.
func (s *seqMap[V]) DeleteLessThan(bound uint32) {
	i := 0
	for i < len(s.keys) && s.keys[i] < bound {
		delete(s.m, s.keys[i])
		i++
	}
	s.keys = s.keys[i:]
}

// Each calls f for every entry in ascending key order, over a snapshot of
// the keys so f may safely mutate the map (e.g. delete the current entry).
// Iteration stops early if f returns false.
func (s *seqMap[V]) Each(f func(key uint32, val V) bool) {
	snapshot := append([]uint32(nil), s.keys...)
	for _, k := range snapshot {
		v, ok := s.m[k]
		if !ok {
			continue
		}
		if !f(k, v) {
			return
		}
	}
}
