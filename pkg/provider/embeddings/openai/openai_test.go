package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// apiCapture records every embeddings request body the mock API sees.
type apiCapture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *apiCapture) record(body map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, body)
}

func (c *apiCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *apiCapture) body(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.bodies) {
		return nil
	}
	return c.bodies[i]
}

// vectorFor derives a deterministic one-element vector from an input text.
// Inputs shaped "phrase-<n>" map to [n], so tests can verify that result
// position i really holds the vector for texts[i] across chunk boundaries.
func vectorFor(text string) []float64 {
	if i := strings.LastIndex(text, "-"); i >= 0 {
		if n, err := strconv.Atoi(text[i+1:]); err == nil {
			return []float64{float64(n)}
		}
	}
	return []float64{float64(len(text))}
}

// newEmbeddingsServer serves the OpenAI embeddings endpoint shape, recording
// request bodies and answering with vectorFor per input, indexed in order.
func newEmbeddingsServer(t *testing.T, rec *apiCapture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		rec.record(body)

		var inputs []string
		switch in := body["input"].(type) {
		case string:
			inputs = []string{in}
		case []any:
			for _, v := range in {
				inputs = append(inputs, fmt.Sprint(v))
			}
		}
		writeEmbeddingsResponse(t, w, inputs)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeEmbeddingsResponse encodes a well-formed embeddings list response with
// one vectorFor entry per input.
func writeEmbeddingsResponse(t *testing.T, w http.ResponseWriter, inputs []string) {
	t.Helper()
	type datum struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	data := make([]datum, len(inputs))
	for i, text := range inputs {
		data[i] = datum{Object: "embedding", Index: i, Embedding: vectorFor(text)}
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  "text-embedding-3-small",
		"usage":  map[string]int{"prompt_tokens": len(inputs), "total_tokens": len(inputs)},
	})
	if err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("New accepted an empty API key")
	}
}

func TestNewRejectsNegativeDimensions(t *testing.T) {
	if _, err := New("test-key", "", WithDimensions(-20)); err == nil {
		t.Fatal("New accepted negative dimensions")
	}
}

func TestNewDefaultModel(t *testing.T) {
	p, err := New("test-key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
}

func TestEmbedSendsModelAndInput(t *testing.T) {
	rec := &apiCapture{}
	srv := newEmbeddingsServer(t, rec)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "phrase-42")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 1 || vec[0] != 42 {
		t.Errorf("vector = %v, want [42]", vec)
	}

	body := rec.body(0)
	if body["model"] != "text-embedding-3-small" {
		t.Errorf("request model = %v, want text-embedding-3-small", body["model"])
	}
	if body["input"] != "phrase-42" {
		t.Errorf("request input = %v, want phrase-42", body["input"])
	}
}

func TestEmbedDimensionsParamOnWire(t *testing.T) {
	rec := &apiCapture{}
	srv := newEmbeddingsServer(t, rec)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL), WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions() = %d, want the 256 override", got)
	}

	if _, err := p.Embed(context.Background(), "phrase-1"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := rec.body(0)["dimensions"]; got != float64(256) {
		t.Errorf("request dimensions = %v, want 256", got)
	}
}

func TestEmbedDimensionsOmittedByDefault(t *testing.T) {
	rec := &apiCapture{}
	srv := newEmbeddingsServer(t, rec)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "phrase-1"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, present := rec.body(0)["dimensions"]; present {
		t.Error("dimensions was sent even though none was configured")
	}
}

func TestEmbedBatchReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Answer with data entries in reverse order but correct indexes.
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"object": "list",
			"data": [
				{"object": "embedding", "index": 2, "embedding": [2]},
				{"object": "embedding", "index": 0, "embedding": [0]},
				{"object": "embedding", "index": 1, "embedding": [1]}
			],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"phrase-0", "phrase-1", "phrase-2"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, vec := range vecs {
		if len(vec) != 1 || vec[0] != float32(i) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, vec, i)
		}
	}
}

func TestEmbedBatchSplitsLargeBatch(t *testing.T) {
	rec := &apiCapture{}
	srv := newEmbeddingsServer(t, rec)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := make([]string, maxInputsPerRequest+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("phrase-%d", i)
	}

	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if len(vec) != 1 || vec[0] != float32(i) {
			t.Fatalf("vecs[%d] = %v, want [%d]", i, vec, i)
		}
	}

	if rec.count() != 2 {
		t.Fatalf("server saw %d requests, want 2", rec.count())
	}
	first, _ := rec.body(0)["input"].([]any)
	second, _ := rec.body(1)["input"].([]any)
	if len(first) != maxInputsPerRequest || len(second) != 1 {
		t.Errorf("chunk sizes = %d and %d, want %d and 1", len(first), len(second), maxInputsPerRequest)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	rec := &apiCapture{}
	srv := newEmbeddingsServer(t, rec)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
	}
	if rec.count() != 0 {
		t.Errorf("server saw %d requests, want none for an empty batch", rec.count())
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddingsResponse(t, w, []string{"phrase-0", "phrase-1"})
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.EmbedBatch(context.Background(), []string{"phrase-0", "phrase-1", "phrase-2"})
	if err == nil {
		t.Fatal("EmbedBatch accepted a short response")
	}
	if !strings.Contains(err.Error(), "got 2 embeddings for 3 inputs") {
		t.Errorf("error = %v, want embedding count mismatch", err)
	}
}

func TestEmbedBatchIndexOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"object": "list",
			"data": [
				{"object": "embedding", "index": 0, "embedding": [0]},
				{"object": "embedding", "index": 7, "embedding": [7]}
			],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.EmbedBatch(context.Background(), []string{"phrase-0", "phrase-1"})
	if err == nil {
		t.Fatal("EmbedBatch accepted an out-of-range embedding index")
	}
	if !strings.Contains(err.Error(), "index 7 out of range") {
		t.Errorf("error = %v, want out-of-range index", err)
	}
}

func TestEmbedAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "invalid model", "type": "invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-key", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Embed(context.Background(), "phrase-1")
	if err == nil {
		t.Fatal("Embed succeeded against a 400")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v, want the HTTP status included", err)
	}
}

func TestNativeDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"TEXT-EMBEDDING-3-LARGE", 3072},
		{"some-future-model", 0},
	}
	for _, tt := range tests {
		if got := nativeDimensions(tt.model); got != tt.want {
			t.Errorf("nativeDimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestDimensionsWithoutOverride(t *testing.T) {
	p, err := New("test-key", "text-embedding-3-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 3072 {
		t.Errorf("Dimensions() = %d, want the model's native 3072", got)
	}
}

func TestToFloat32(t *testing.T) {
	got := toFloat32([]float64{0.5, -1.25, 3})
	want := []float32{0.5, -1.25, 3}
	if len(got) != len(want) {
		t.Fatalf("got %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if out := toFloat32(nil); len(out) != 0 {
		t.Errorf("toFloat32(nil) = %v, want empty", out)
	}
}
