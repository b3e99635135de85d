package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned by DecodeJSON when the content holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

var (
	// fencedObjectPattern matches an object inside a markdown fence: ```json { ... } ```
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// fencedArrayPattern matches an array inside a markdown fence.
	fencedArrayPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from model output. It tolerates
// markdown fences, prose around the object, // comments and trailing commas.
func ExtractJSON(content string) string {
	return extract(content, fencedObjectPattern, '{', '}')
}

// ExtractJSONArray extracts a JSON array from model output.
func ExtractJSONArray(content string) string {
	return extract(content, fencedArrayPattern, '[', ']')
}

// DecodeJSON extracts the JSON object in content and unmarshals it into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	return nil
}

func extract(content string, fenced *regexp.Regexp, open, close byte) string {
	if m := fenced.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	start := strings.IndexByte(content, open)
	end := strings.LastIndexByte(content, close)
	if start < 0 || end <= start {
		return ""
	}
	return cleanJSON(content[start : end+1])
}

// cleanJSON removes // comments outside string values and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a trailing // comment from a line, ignoring
// slashes inside string values:
//
//	"replace thermocouple",   // TC-4  ->  "replace thermocouple",
//	"url": "http://plant.local/sop"   (unchanged)
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
