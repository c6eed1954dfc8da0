package engine

import (
	"strings"

	"github.com/normanking/cortex-rag/internal/llm"
)

// thoughtSplitter separates a streamed reflection reply into reasoning and
// answer text. Tags may be split across chunks, so a trailing fragment that
// could start a tag is held back until the next chunk.
type thoughtSplitter struct {
	pending  string
	thinking bool
}

// feed consumes one chunk and returns the answer and reasoning text that
// is now certain.
func (s *thoughtSplitter) feed(chunk string) (answer, thought string) {
	s.pending += chunk
	var a, t strings.Builder

	for {
		if s.thinking {
			i := strings.Index(s.pending, llm.ThinkingClose)
			if i < 0 {
				keep := partialTagSuffix(s.pending, llm.ThinkingClose)
				t.WriteString(s.pending[:len(s.pending)-keep])
				s.pending = s.pending[len(s.pending)-keep:]
				return a.String(), t.String()
			}
			t.WriteString(s.pending[:i])
			s.pending = s.pending[i+len(llm.ThinkingClose):]
			s.thinking = false
			continue
		}

		i, tag := firstTag(s.pending, llm.ThinkingOpen, llm.AnswerOpen, llm.AnswerClose)
		if i < 0 {
			keep := partialTagSuffix(s.pending, llm.ThinkingOpen, llm.AnswerOpen, llm.AnswerClose)
			a.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			return a.String(), t.String()
		}
		a.WriteString(s.pending[:i])
		s.pending = s.pending[i+len(tag):]
		if tag == llm.ThinkingOpen {
			s.thinking = true
		}
	}
}

// flush releases whatever is held back at the end of the stream.
func (s *thoughtSplitter) flush() (answer, thought string) {
	rest := s.pending
	s.pending = ""
	if s.thinking {
		return "", rest
	}
	return rest, ""
}

// firstTag returns the position and value of the earliest tag in s.
func firstTag(s string, tags ...string) (int, string) {
	best, found := -1, ""
	for _, tag := range tags {
		if i := strings.Index(s, tag); i >= 0 && (best < 0 || i < best) {
			best, found = i, tag
		}
	}
	return best, found
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of one of tags.
func partialTagSuffix(s string, tags ...string) int {
	longest := 0
	for _, tag := range tags {
		for n := len(tag) - 1; n > longest; n-- {
			if n <= len(s) && strings.HasSuffix(s, tag[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}
