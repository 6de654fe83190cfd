package policy

// StreamFilter filters a delta stream without retracting emitted text.
// It holds back any tail that might still complete a pattern, so matches
// split across deltas are rewritten like the whole-buffer filter would.
type StreamFilter struct {
	filter  *ContentFilter
	pending string
}

func NewStreamFilter(f *ContentFilter) *StreamFilter {
	if f == nil {
		f = DefaultFilter
	}
	return &StreamFilter{filter: f}
}

// Consume returns the text that is safe to emit after delta.
func (s *StreamFilter) Consume(delta string) string {
	if delta == "" {
		return ""
	}
	buf := s.filter.Apply(s.pending + delta)
	hold := s.filter.pendingPrefixLen(buf)
	s.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold]
}

// Finalize flushes whatever was held back at end of stream.
func (s *StreamFilter) Finalize() string {
	out := s.filter.Apply(s.pending)
	s.pending = ""
	return out
}
