package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolmux/pkg/provider/llm"
)

func TestNewRequiresModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected an error for an empty model")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	// The error should tell the operator what names the config accepts.
	for _, name := range []string{"openai", "anthropic", "ollama"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list accepted provider %q", err, name)
		}
	}
}

func TestNewRejectsEmptyProviderName(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected an error for an empty provider name")
	}
}

func TestNewMatchesNameCaseInsensitively(t *testing.T) {
	p, err := New("OpenAI", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != "gpt-4o-mini" {
		t.Errorf("ModelID() = %q, want gpt-4o-mini", p.ModelID())
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o-mini"); err == nil {
		t.Fatal("expected an error when no API key is configured or in the environment")
	}
}

func TestNewLocalBackendsNeedNoKey(t *testing.T) {
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "llama3.2")
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			if p == nil {
				t.Fatalf("New(%q) returned a nil provider", name)
			}
		})
	}
}

func TestBackendNamesSorted(t *testing.T) {
	names := backendNames()
	if len(names) != len(backends) {
		t.Fatalf("got %d names for %d backends", len(names), len(backends))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("names out of order: %q before %q", names[i-1], names[i])
		}
	}
}

func TestCompletionParamsPrependsSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3.2"}
	params := p.completionParams(llm.CompletionRequest{
		SystemPrompt: "You rewrite tool descriptions.",
		Messages: []llm.Message{
			{Role: "user", Content: "describe read_file"},
		},
	})

	if params.Model != "llama3.2" {
		t.Errorf("model = %q, want llama3.2", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[0].ContentString(); got != "You rewrite tool descriptions." {
		t.Errorf("system content = %q", got)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("second message role = %q, want user", params.Messages[1].Role)
	}
}

func TestCompletionParamsWithoutSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3.2"}
	params := p.completionParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(params.Messages))
	}
}

func TestCompletionParamsTemperature(t *testing.T) {
	p := &Provider{model: "llama3.2"}

	// An explicit zero is greedy decoding, not "unset".
	zero := 0.0
	params := p.completionParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: &zero,
	})
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", params.Temperature)
	}

	// Nil keeps the backend default.
	params = p.completionParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("temperature = %v, want nil", *params.Temperature)
	}
}

func TestCompletionParamsMaxTokens(t *testing.T) {
	p := &Provider{model: "llama3.2"}
	params := p.completionParams(llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 256,
	})
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}
}
