package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/llm"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "gpt-4o.1.json", `{"steps":"bad"}`)
	writeFixture(t, dir, "gpt-4o.2.json", `{"steps":[],"n":2}`)
	writeFixture(t, dir, "gpt-4o.json", `{"steps":[],"n":"base"}`)
	writeFixture(t, dir, "mini.json", `{}`)
	writeFixture(t, dir, "notes.txt", `ignored`)

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)

	require.Len(t, fixtures, 2)
	require.Len(t, fixtures["gpt-4o"], 3)
	assert.Contains(t, fixtures["gpt-4o"][0], "bad")
	assert.Contains(t, fixtures["gpt-4o"][1], `"n":2`)
	assert.Contains(t, fixtures["gpt-4o"][2], "base")
}

func TestLoadFixtures_Errors(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		_, err := loadFixtures(t.TempDir())
		assert.Error(t, err)
	})
	t.Run("invalid json", func(t *testing.T) {
		dir := t.TempDir()
		writeFixture(t, dir, "gpt-4o.json", `{not json`)
		_, err := loadFixtures(dir)
		assert.ErrorContains(t, err, "invalid JSON")
	})
}

func post(t *testing.T, url string, req chatRequest) (*http.Response, chatResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out chatResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestChatCompletions_FixtureSequence(t *testing.T) {
	s := newServer(map[string][]string{"gpt-4o": {`{"a":1}`, `{"a":2}`}}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	req := chatRequest{Model: "gpt-4o", Messages: []llm.Message{{Role: "user", Content: "{}"}}}
	var got []string
	for range 3 {
		resp, out := post(t, srv.URL, req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, out.Choices, 1)
		got = append(got, out.Choices[0].Message.Content)
	}
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`, `{"a":2}`}, got)
	assert.Equal(t, int64(3), s.calls.Load())
}

func TestChatCompletions_SynthesizesPlan(t *testing.T) {
	srv := httptest.NewServer(newServer(nil, quietLogger()).routes())
	defer srv.Close()

	input, err := json.Marshal(map[string]any{
		"agent_name": "RepairPlannerAgent",
		"input": map[string]any{
			"fault": fault.DiagnosedFault{MachineID: "M-123", FaultType: "curing_temperature_excessive"},
			"context": fault.RepairContext{
				FaultType:           "curing_temperature_excessive",
				CandidateProcedures: []string{"inspect heater", "replace thermocouple"},
				RequiredParts:       []string{"thermocouple"},
				Known:               true,
			},
		},
	})
	require.NoError(t, err)

	resp, out := post(t, srv.URL, chatRequest{
		Model: "gpt-4o",
		Messages: []llm.Message{
			{Role: "system", Content: "plan"},
			{Role: "user", Content: string(input)},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan struct {
		Steps      []planStep `json:"steps"`
		Confidence float64    `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Choices[0].Message.Content), &plan))
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "inspect heater", plan.Steps[0].Description)
	assert.Equal(t, []string{"thermocouple"}, plan.Steps[0].RequiredParts)
	assert.Empty(t, plan.Steps[1].RequiredParts)
	assert.InDelta(t, 0.8, plan.Confidence, 1e-9)
}

func TestChatCompletions_Rejects(t *testing.T) {
	srv := httptest.NewServer(newServer(nil, quietLogger()).routes())
	defer srv.Close()

	resp, _ := post(t, srv.URL, chatRequest{Model: "gpt-4o", Messages: []llm.Message{{Role: "user", Content: "hello"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/v1/chat/completions")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestStats(t *testing.T) {
	s := newServer(map[string][]string{"gpt-4o": {`{}`}}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	post(t, srv.URL, chatRequest{Model: "gpt-4o", Messages: []llm.Message{{Role: "user", Content: "{}"}}})

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		TotalCalls   int64          `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.TotalCalls)
	assert.Equal(t, 1, stats.CallsByModel["gpt-4o"])
}
