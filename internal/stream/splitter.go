package stream

import "strings"

const (
	// OpenTag opens a thinking block in the model output.
	OpenTag = "<think>"
	// CloseTag closes a thinking block.
	CloseTag = "</think>"
)

// Splitter separates visible answer text from thinking text. It is a two-state machine: outside a
// thinking block it looks for OpenTag, inside one it looks for CloseTag. Tags are consumed and never
// written to either buffer.
//
// A tag split across two fragments is still detected: the longest fragment suffix that could be the
// start of the tag being looked for is held back and prepended to the next fragment. Held text is
// released by Flush.
type Splitter struct {
	main  strings.Builder
	think strings.Builder

	inThink bool
	opened  bool
	closed  bool

	pending string
}

// Feed processes one fragment.
func (s *Splitter) Feed(fragment string) {
	text := s.pending + fragment
	s.pending = ""

	for text != "" {
		tag, dst := OpenTag, &s.main
		if s.inThink {
			tag, dst = CloseTag, &s.think
		}

		if i := strings.Index(text, tag); i >= 0 {
			dst.WriteString(text[:i])
			text = text[i+len(tag):]
			s.inThink = !s.inThink
			if s.inThink {
				s.opened = true
			} else {
				s.closed = true
			}
			continue
		}

		keep := partialTagSuffix(text, tag)
		dst.WriteString(text[:len(text)-keep])
		s.pending = text[len(text)-keep:]
		return
	}
}

// Flush writes any held-back text into the buffer of the current state.
func (s *Splitter) Flush() {
	if s.pending == "" {
		return
	}
	if s.inThink {
		s.think.WriteString(s.pending)
	} else {
		s.main.WriteString(s.pending)
	}
	s.pending = ""
}

// Content returns the accumulated visible text.
func (s *Splitter) Content() string {
	return s.main.String()
}

// Thinking returns the accumulated thinking text.
func (s *Splitter) Thinking() string {
	return s.think.String()
}

// InThinkBlock reports whether the last seen tag opened a block that has not been closed yet.
func (s *Splitter) InThinkBlock() bool {
	return s.inThink
}

// TagProcessed reports whether an opening tag was ever seen.
func (s *Splitter) TagProcessed() bool {
	return s.opened
}

// ThinkingCompleted reports whether a thinking block was closed. Once true it stays true, even if a
// later block opens.
func (s *Splitter) ThinkingCompleted() bool {
	return s.closed
}

// partialTagSuffix returns the length of the longest suffix of text that is a proper prefix of tag.
func partialTagSuffix(text, tag string) int {
	n := min(len(tag)-1, len(text))
	for ; n > 0; n-- {
		if strings.HasSuffix(text, tag[:n]) {
			return n
		}
	}
	return 0
}
