// Package main implements a mock planning model for offline runs and e2e
// tests. It serves OpenAI-compatible chat completions, answering from JSON
// fixture files routed by the request's "model" field, or by synthesizing a
// plan from the repair context in the request when no fixture matches.
//
// Usage:
//
//	mock-planner -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by model ("gpt-4o.json" answers model "gpt-4o").
// Numbered files ("gpt-4o.1.json", "gpt-4o.2.json") are returned in order on
// successive calls, after which the base file repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/llm"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
}

type chatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chatChoice   `json:"choices"`
	Usage   llm.TokenUsage `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type server struct {
	fixtures map[string][]string
	calls    atomic.Int64
	logger   *slog.Logger

	mu         sync.Mutex
	modelCalls map[string]int
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if fixtures == nil {
		fixtures = map[string][]string{}
	}
	return &server{
		fixtures:   fixtures,
		logger:     logger,
		modelCalls: make(map[string]int),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", os.Getenv("MOCK_PLANNER_FIXTURES"), "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var fixtures map[string][]string
	if *fixtureDir != "" {
		var err error
		if fixtures, err = loadFixtures(*fixtureDir); err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		for model, seq := range fixtures {
			logger.Info("Loaded fixtures", "model", model, "count", len(seq))
		}
	}

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock planner listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: newServer(fixtures, logger).routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	total := s.calls.Add(1)
	content, err := s.answer(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      llm.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: llm.TokenUsage{CompletionTokens: len(content) / 4},
	}
	resp.Usage.TotalTokens = resp.Usage.CompletionTokens

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	s.logger.Debug("Responded", "call", total, "model", req.Model, "bytes", len(content))
}

// answer picks the next fixture for the model, falling back to a synthesized plan.
func (s *server) answer(req chatRequest) (string, error) {
	s.mu.Lock()
	s.modelCalls[req.Model]++
	n := s.modelCalls[req.Model]
	s.mu.Unlock()

	if seq := s.fixtures[req.Model]; len(seq) > 0 {
		if n > len(seq) {
			n = len(seq)
		}
		return seq[n-1], nil
	}
	return synthesizePlan(req.Messages)
}

type plannerInput struct {
	Input struct {
		Fault   fault.DiagnosedFault `json:"fault"`
		Context fault.RepairContext  `json:"context"`
	} `json:"input"`
}

type planStep struct {
	Description      string   `json:"description"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	RequiredParts    []string `json:"required_parts"`
}

// synthesizePlan turns the candidate procedures in the last user message into
// one step each, 30 minutes apiece. The taxonomy's parts go on the first step.
func synthesizePlan(messages []llm.Message) (string, error) {
	var in plannerInput
	found := false
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if err := json.Unmarshal([]byte(messages[i].Content), &in); err == nil {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("no planner input in request")
	}

	procedures := in.Input.Context.CandidateProcedures
	if len(procedures) == 0 {
		procedures = []string{"inspect " + strings.ReplaceAll(in.Input.Fault.FaultType, "_", " ")}
	}

	steps := make([]planStep, 0, len(procedures))
	for i, p := range procedures {
		step := planStep{Description: p, EstimatedMinutes: 30, RequiredParts: []string{}}
		if i == 0 && len(in.Input.Context.RequiredParts) > 0 {
			step.RequiredParts = in.Input.Context.RequiredParts
		}
		steps = append(steps, step)
	}

	confidence := 0.8
	if !in.Input.Context.Known {
		confidence = 0.4
	}

	out, err := json.Marshal(map[string]any{"steps": steps, "confidence": confidence})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.modelCalls))
	for m, n := range s.modelCalls {
		byModel[m] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures returns model -> responses, numbered files first in numeric
// order and the base file last.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for model, byIdx := range numbered {
		indices := make([]int, 0, len(byIdx))
		for i := range byIdx {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			fixtures[model] = append(fixtures[model], byIdx[i])
		}
	}
	for model, content := range base {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
