package classify

import (
	"encoding/json"
	"strings"

	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
)

// ParseResult is the tagged outcome of parsing a classification response.
// When OK is false, Raw carries the text that could not be parsed.
type ParseResult struct {
	OK             bool
	Classification model.Classification
	Raw            string
}

// responseBody is the JSON object the model is prompted to emit.
type responseBody struct {
	Classification string   `json:"classification"`
	Confidence     *float64 `json:"confidence"`
	Description    string   `json:"description"`
}

// ParseClassification extracts a classification from a model response body.
// Vision-language services routinely wrap their JSON in markdown fences or
// trailing artifacts, so the parser looks for the first well-formed JSON
// object anywhere in the text instead of requiring a pure JSON body.
func ParseClassification(content string) ParseResult {
	raw, ok := FirstJSONObject(content)
	if !ok {
		return ParseResult{Raw: content}
	}

	var body responseBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return ParseResult{Raw: content}
	}
	if body.Classification == "" {
		return ParseResult{Raw: content}
	}

	return ParseResult{
		OK: true,
		Classification: model.Classification{
			Label:       body.Classification,
			Confidence:  body.Confidence,
			Description: body.Description,
		},
	}
}

// FirstJSONObject returns the first balanced JSON object found in s. String
// literals are honored, so braces inside quoted values do not confuse the
// scanner.
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				// Malformed despite balanced braces; try the next opener.
				rest, ok := FirstJSONObject(s[i+1:])
				return rest, ok
			}
		}
	}
	return "", false
}
