package chatbranch

import "strings"

// Inline chain-of-thought delimiters a model may emit as plain text instead
// of (or alongside) a provider-native reasoning field.
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

type splitKind int

const (
	splitContent splitKind = iota
	splitThinkingStart
	splitThinkingChunk
	splitThinkingEnd
)

type splitEvent struct {
	kind splitKind
	text string
}

// thinkingSplitter incrementally separates a stream of content chunks into
// ordinary content and <think>...</think> delimited thinking text. It
// buffers enough trailing bytes across Feed calls to recognize a delimiter
// split across two stream chunks, grounded on the original's handling of
// backend_is_streaming_reasoning for models that inline reasoning as text.
type thinkingSplitter struct {
	inThinking bool
	pending    string
}

// Feed processes the next content chunk and returns zero or more split
// events in order. Safe bytes are emitted immediately; a short suffix that
// could be the start of a delimiter is held back until the next Feed call
// (or flushed by Flush at stream end).
func (s *thinkingSplitter) Feed(chunk string) []splitEvent {
	s.pending += chunk
	var events []splitEvent

	for {
		if !s.inThinking {
			idx := strings.Index(s.pending, thinkOpenTag)
			if idx == -1 {
				events = append(events, s.emitSafeTail(splitContent, len(thinkOpenTag))...)
				return events
			}
			if idx > 0 {
				events = append(events, splitEvent{kind: splitContent, text: s.pending[:idx]})
			}
			events = append(events, splitEvent{kind: splitThinkingStart})
			s.inThinking = true
			s.pending = s.pending[idx+len(thinkOpenTag):]
			continue
		}

		idx := strings.Index(s.pending, thinkCloseTag)
		if idx == -1 {
			events = append(events, s.emitSafeTail(splitThinkingChunk, len(thinkCloseTag))...)
			return events
		}
		if idx > 0 {
			events = append(events, splitEvent{kind: splitThinkingChunk, text: s.pending[:idx]})
		}
		events = append(events, splitEvent{kind: splitThinkingEnd})
		s.inThinking = false
		s.pending = s.pending[idx+len(thinkCloseTag):]
	}
}

// emitSafeTail emits all of s.pending except the last (tagLen-1) bytes,
// which are held back since they could be the prefix of a split delimiter.
func (s *thinkingSplitter) emitSafeTail(kind splitKind, tagLen int) []splitEvent {
	safeLen := len(s.pending) - (tagLen - 1)
	if safeLen <= 0 {
		return nil
	}
	text := s.pending[:safeLen]
	s.pending = s.pending[safeLen:]
	return []splitEvent{{kind: kind, text: text}}
}

// Flush emits any remaining buffered bytes at stream end, classified by
// whichever region the splitter was in when the stream ended.
func (s *thinkingSplitter) Flush() []splitEvent {
	if s.pending == "" {
		return nil
	}
	kind := splitContent
	if s.inThinking {
		kind = splitThinkingChunk
	}
	text := s.pending
	s.pending = ""
	return []splitEvent{{kind: kind, text: text}}
}
