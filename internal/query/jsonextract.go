package query

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON indicates no balanced JSON object or array was found in the text.
var ErrNoJSON = errors.New("no JSON object or array found in text")

// ExtractJSON finds the first complete JSON object or array embedded in free
// text and returns it verbatim. Model responses often wrap JSON in prose or
// markdown fences; a greedy regex would both backtrack catastrophically and
// mismatch nested braces, so this scans with explicit depth counting.
//
// Scanning is string-aware: braces and brackets inside quoted strings are
// ignored, and backslash escapes inside strings are honored. A candidate that
// opens but never balances (for example a stray "{" in prose) is skipped and
// scanning resumes after it, so a later valid value still wins. The extracted
// candidate must also parse as JSON; otherwise scanning continues.
func ExtractJSON(text string) (string, error) {
	for start := 0; start < len(text); start++ {
		open := text[start]
		if open != '{' && open != '[' {
			continue
		}

		end, ok := scanBalanced(text, start)
		if !ok {
			// Unbalanced from this opener; try the next one.
			continue
		}

		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// scanBalanced scans from the opener at text[start] and returns the index of
// the matching closer, or ok=false if the value never balances.
func scanBalanced(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
			if depth < 0 {
				return 0, false
			}
		}
	}
	return 0, false
}

// ParseJSONFromText extracts and unmarshals the first JSON value in text.
// Returns ErrNoJSON when the text contains no parseable JSON.
func ParseJSONFromText(text string) (any, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// StripCodeFences removes a surrounding markdown code fence if present.
// ExtractJSON does not need it for correctness, but stripping first keeps
// the returned candidate free of fence residue when the whole response is
// one fenced block.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	// Drop the opening fence line (``` or ```json).
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return text
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
