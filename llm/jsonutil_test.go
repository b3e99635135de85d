package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
		wantErr bool
	}{
		{
			name:    "plain object",
			input:   `{"steps": [], "confidence": 0.9}`,
			wantKey: "steps",
		},
		{
			name:    "fenced object",
			input:   "```json\n{\"steps\": [], \"confidence\": 0.9}\n```",
			wantKey: "confidence",
		},
		{
			name:    "fenced object followed by prose",
			input:   "```json\n{\"steps\": []}\n```\n\n**Note:** verify lockout before starting.",
			wantKey: "steps",
		},
		{
			name:    "prose before and after",
			input:   "Here is the plan:\n{\"steps\": [{\"description\": \"inspect heater\"}]}\nLet me know.",
			wantKey: "steps",
		},
		{
			name:    "comments and trailing commas",
			input:   "```json\n{\n  \"steps\": [\n    {\"description\": \"inspect heater\", \"estimated_minutes\": 30}, // first\n  ],\n}\n```",
			wantKey: "steps",
		},
		{
			name:    "URL in string survives",
			input:   `{"procedure_url": "http://plant.local/sop/curing"} // reference`,
			wantKey: "procedure_url",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no JSON at all",
			input:   "I cannot produce a plan for this fault.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractJSON(tt.input)

			if tt.wantErr {
				if result != "" {
					t.Errorf("expected empty result, got: %s", result)
				}
				return
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(result), &parsed); err != nil {
				t.Fatalf("result is not valid JSON: %v\nresult: %s", err, result)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("expected key %q in %s", tt.wantKey, result)
			}
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{"plain array", `["thermocouple", "heater element"]`, 2},
		{"fenced array", "```json\n[\"thermocouple\", \"heater element\"]\n```", 2},
		{"array with comments", "```json\n[\n  \"thermocouple\",  // TC-4\n  \"heater element\"\n]\n```", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var parsed []any
			if err := json.Unmarshal([]byte(ExtractJSONArray(tt.input)), &parsed); err != nil {
				t.Fatalf("result is not a valid array: %v", err)
			}
			if len(parsed) != tt.wantLen {
				t.Errorf("expected length %d, got %d", tt.wantLen, len(parsed))
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Confidence float64 `json:"confidence"`
	}
	if err := DecodeJSON("Sure!\n```json\n{\"confidence\": 0.8,}\n```", &out); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if out.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", out.Confidence)
	}

	if err := DecodeJSON("no json here", &out); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}

	if err := DecodeJSON(`{"confidence": "high"}`, &out); err == nil {
		t.Error("expected type error")
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`  "part": "thermocouple",`, `  "part": "thermocouple",`},
		{`  "part": "thermocouple",  // TC-4`, `  "part": "thermocouple",`},
		{`  "url": "http://plant.local",`, `  "url": "http://plant.local",`},
		{`  // whole line`, ``},
		{`  "path": "a\"b//c",  // comment`, `  "path": "a\"b//c",`},
	}

	for _, tt := range tests {
		if got := stripLineComment(tt.input); got != tt.expected {
			t.Errorf("stripLineComment(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
