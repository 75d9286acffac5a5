// Package engine adapts an Ollama-compatible local inference runtime to the
// llm.Engine contract. The numeric kernels, quantization, and model weights
// live in the runtime; this package only drives its HTTP API.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/pkg/llm"
)

// Runtime implements llm.Engine against an Ollama-compatible HTTP runtime.
type Runtime struct {
	baseURL    string
	model      string
	adapter    string
	logger     *zap.Logger
	httpClient *http.Client

	active   atomic.Uint64
	peak     atomic.Uint64
	cacheLen atomic.Int64
	inFlight atomic.Int64
}

// NewRuntime creates a runtime adapter for the model at modelPath served by
// the runtime at baseURL. adapterPath is optional.
func NewRuntime(baseURL, modelPath, adapterPath string, logger *zap.Logger) *Runtime {
	return &Runtime{
		baseURL: baseURL,
		model:   modelPath,
		adapter: adapterPath,
		logger:  logger,
		httpClient: &http.Client{
			// LLM requests can be slow, especially on first load
			Timeout: 5 * time.Minute,
		},
	}
}

// generateRequest is the runtime's /api/generate request body.
type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt"`
	Raw       bool             `json:"raw"`
	Stream    bool             `json:"stream"`
	KeepAlive any              `json:"keep_alive,omitempty"`
	Options   *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	NumPredict    int     `json:"num_predict"`
	Seed          int     `json:"seed"`
}

// generateChunk is one NDJSON line of the runtime's streaming response.
type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// psResponse is the runtime's /api/ps body listing loaded models.
type psResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Size     uint64 `json:"size"`
		SizeVRAM uint64 `json:"size_vram"`
	} `json:"models"`
}

// Load verifies the runtime is reachable and warms the model into memory.
// The adapter, when configured, is expected to be fused into the served
// model; a missing adapter is logged and ignored, never fatal.
func (r *Runtime) Load(ctx context.Context) error {
	if r.model == "" {
		return fmt.Errorf("no model configured")
	}
	if r.adapter != "" {
		r.logger.Info("adapter configured, serving fused model", zap.String("adapter", r.adapter))
	}

	// An empty prompt asks the runtime to load the model without generating.
	body, err := json.Marshal(generateRequest{Model: r.model, Stream: false})
	if err != nil {
		return fmt.Errorf("marshal load request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runtime returned %d loading model: %s", resp.StatusCode, string(respBody))
	}

	r.refreshMemory(ctx)
	r.logger.Info("model loaded",
		zap.String("model", r.model),
		zap.Float64("active_gb", float64(r.ActiveMemory())/(1<<30)),
	)
	return nil
}

// StreamGenerate starts a streaming generation and returns the chunk channel.
// Cancelling ctx aborts the underlying HTTP stream, which halts production.
func (r *Runtime) StreamGenerate(ctx context.Context, prompt string, params llm.SamplingParams) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(generateRequest{
		Model:  r.model,
		Prompt: prompt,
		Raw:    true,
		Stream: true,
		Options: &generateOptions{
			Temperature:   params.Temperature,
			TopP:          params.TopP,
			TopK:          params.TopK,
			RepeatPenalty: params.RepetitionPenalty,
			NumPredict:    params.MaxTokens,
			Seed:          params.Seed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("runtime returned %d: %s", resp.StatusCode, string(respBody))
	}

	out := make(chan llm.Chunk)
	r.inFlight.Add(1)

	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer r.inFlight.Add(-1)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				r.logger.Warn("failed to parse chunk", zap.Error(err), zap.String("line", string(line)))
				continue
			}

			c := llm.Chunk{Text: chunk.Response}
			if chunk.Done {
				c.FinishReason = finishReason(chunk.DoneReason)
				r.cacheLen.Store(int64(chunk.PromptEvalCount + chunk.EvalCount))
			}

			select {
			case out <- c:
			case <-ctx.Done():
				return
			}

			if chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- llm.Chunk{Err: fmt.Errorf("read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func finishReason(doneReason string) string {
	switch doneReason {
	case "length":
		return llm.FinishLength
	default:
		return llm.FinishStop
	}
}

// FormatPrompt reports no template: the runtime applies templates only on its
// own chat endpoint, and the session engine owns the prompt text here, so
// callers always take the plain role-prefixed fallback.
func (r *Runtime) FormatPrompt(turns []llm.Turn) (string, bool) {
	return "", false
}

// ActiveMemory returns the bytes the runtime reports for loaded models, as of
// the last refresh.
func (r *Runtime) ActiveMemory() uint64 {
	return r.active.Load()
}

// PeakMemory returns the highest active figure observed this process.
func (r *Runtime) PeakMemory() uint64 {
	return r.peak.Load()
}

// CacheMemory reports zero: the runtime does not expose KV cache size
// separately from model memory.
func (r *Runtime) CacheMemory() uint64 {
	return 0
}

// CacheLength returns the token occupancy of the runtime's KV cache after the
// most recent generation.
func (r *Runtime) CacheLength() int {
	return int(r.cacheLen.Load())
}

// ClearCache resets cache tracking and asks the runtime to release idle model
// memory. The release is fire-and-forget so callers inside a streaming loop
// are never suspended, and it is skipped while a generation is in flight.
func (r *Runtime) ClearCache() {
	r.cacheLen.Store(0)
	if r.inFlight.Load() > 0 {
		return
	}
	go r.releaseIdle()
}

func (r *Runtime) releaseIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(generateRequest{Model: r.model, Stream: false, KeepAlive: 0})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debug("cache release request failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	r.refreshMemory(ctx)
}

// refreshMemory polls the runtime for loaded-model memory figures.
func (r *Runtime) refreshMemory(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, "GET", r.baseURL+"/api/ps", nil)
	if err != nil {
		return
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debug("memory poll failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	var ps psResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return
	}

	var total uint64
	for _, m := range ps.Models {
		total += m.Size
	}
	r.active.Store(total)
	for {
		peak := r.peak.Load()
		if total <= peak || r.peak.CompareAndSwap(peak, total) {
			break
		}
	}
}
