package provider

import "strings"

// coalesceFlushBytes is the buffered-size threshold past which a fragment
// ending in a newline triggers an eager flush. Keeps latency reasonable for
// backends that stream token-sized chunks without letting the buffer grow
// unboundedly.
const coalesceFlushBytes = 2048

// textCoalescer merges adjacent text fragments belonging to one logical
// utterance. The emitter flushes it on tool boundaries and at stream end.
type textCoalescer struct {
	buf strings.Builder
}

// add appends a fragment. It returns (text, true) when the buffer should be
// flushed now: the accumulated run exceeds the threshold and ends on a
// newline, a natural utterance boundary.
func (c *textCoalescer) add(fragment string) (string, bool) {
	c.buf.WriteString(fragment)
	if c.buf.Len() >= coalesceFlushBytes && strings.HasSuffix(fragment, "\n") {
		return c.flush(), true
	}
	return "", false
}

// flush returns and clears the buffered text.
func (c *textCoalescer) flush() string {
	out := c.buf.String()
	c.buf.Reset()
	return out
}
