package stream

import "strings"

// segmenter accumulates fragments until a flush boundary
type segmenter struct {
	delimiter   string
	accumulated strings.Builder
	complete    strings.Builder
}

func newSegmenter(delimiter string) *segmenter {
	return &segmenter{delimiter: delimiter}
}

// push appends fragment and returns the accumulated segment when the fragment
// closes one. A boundary over whitespace-only text is ignored and nothing is
// reset.
func (s *segmenter) push(fragment string) (string, bool) {
	s.accumulated.WriteString(fragment)
	s.complete.WriteString(fragment)

	if !strings.HasSuffix(fragment, s.delimiter) {
		return "", false
	}
	return s.take()
}

// tail returns whatever is left once the stream ends
func (s *segmenter) tail() (string, bool) {
	return s.take()
}

func (s *segmenter) take() (string, bool) {
	text := s.accumulated.String()
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	s.accumulated.Reset()
	return text, true
}

func (s *segmenter) completeText() string {
	return s.complete.String()
}
