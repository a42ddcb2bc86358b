package sgl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generateHandler func(w http.ResponseWriter, req map[string]interface{})

type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []map[string]interface{}
}

func newFakeServer(t *testing.T, modelPath string, handle generateHandler) *fakeServer {
	s := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/get_model_info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model_path":    modelPath,
			"is_generation": true,
		})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		handle(w, req)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) Requests() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.requests...)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func reply(text string) map[string]interface{} {
	return map[string]interface{}{
		"text":  text,
		"index": 0,
		"meta_info": map[string]interface{}{
			"id":                "resp-1",
			"prompt_tokens":     7,
			"completion_tokens": 3,
			"finish_reason":     map[string]interface{}{"type": "stop", "matched": 2},
		},
	}
}

func newBackend(t *testing.T, s *fakeServer, options ...Option) *Backend {
	b := New(options...)
	require.NoError(t, b.SetModel(context.Background(), backends.ModelParams{URL: s.URL}))
	return b
}

func chat() conversation.Conversation {
	return conversation.Conversation{
		conversation.NewSystemMessage("Be brief."),
		conversation.NewUserMessage("Hi"),
		conversation.NewAssistantMessage(""),
	}
}

func TestSetModelMatchesTemplate(t *testing.T) {
	s := newFakeServer(t, "meta-llama/Meta-Llama-3-8B-Instruct", nil)
	b := newBackend(t, s)
	assert.Equal(t, "meta-llama/Meta-Llama-3-8B-Instruct", b.ModelPath())
	assert.Equal(t, "llama-3-instruct", b.group.Match(b.ModelPath()).Name)
}

func TestGenerateSendsDefaults(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("Hello!"))
	})
	b := newBackend(t, s)

	maxTokens := 32
	res, err := b.Generate(context.Background(), chat(), &backends.GenOptions{
		Sampling: backends.SamplingParams{MaxNewTokens: &maxTokens},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, 7, res.MetaInfo.PromptTokens)
	assert.Equal(t, backends.FinishReasonStop, res.MetaInfo.FinishReason.Type)

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "SYSTEM:Be brief.\nUSER:Hi\nASSISTANT:", reqs[0]["text"])
	assert.NotEmpty(t, reqs[0]["rid"])
	sp := reqs[0]["sampling_params"].(map[string]interface{})
	assert.Equal(t, float64(32), sp["max_new_tokens"])
	assert.Equal(t, float64(1<<30), sp["top_k"])
	assert.Equal(t, 1.0, sp["temperature"])
	assert.Equal(t, 1.0, sp["repetition_penalty"])
	assert.Equal(t, float64(1), sp["n"])
	assert.Equal(t, true, sp["skip_special_tokens"])
	assert.NotContains(t, sp, "regex")
}

func TestDefaultSamplingIsOverridable(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("ok"))
	})
	low, high := 0.1, 0.9
	b := newBackend(t, s, WithDefaultSampling(backends.SamplingParams{Temperature: &low, TopP: &low}))

	_, err := b.Generate(context.Background(), chat(), &backends.GenOptions{
		Sampling: backends.SamplingParams{Temperature: &high},
	})
	require.NoError(t, err)
	sp := s.Requests()[0]["sampling_params"].(map[string]interface{})
	assert.Equal(t, 0.9, sp["temperature"])
	assert.Equal(t, 0.1, sp["top_p"])
}

func TestUsageErrorsFailBeforeNetwork(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("unreachable"))
	})
	b := newBackend(t, s)

	userTurn := conversation.Conversation{conversation.NewUserMessage("Hi")}
	_, err := b.Generate(context.Background(), userTurn, nil)
	assert.True(t, errors.Is(err, backends.ErrNotAssistantTurn))

	_, err = b.Generate(context.Background(), chat(), &backends.GenOptions{
		Sampling: backends.SamplingParams{Regex: "a+", JSONSchema: "{}"},
	})
	assert.True(t, backends.IsUsage(err))

	two := 2
	_, err = b.Generate(context.Background(), chat(), &backends.GenOptions{
		Sampling: backends.SamplingParams{N: &two},
	})
	assert.True(t, errors.Is(err, backends.ErrUnsupported))

	_, err = b.Stream(context.Background(), chat(), &backends.GenOptions{Choices: []string{"a", "b"}})
	assert.True(t, backends.IsUsage(err))

	assert.Empty(t, s.Requests())
}

func TestGenerateWithoutModel(t *testing.T) {
	_, err := New().Generate(context.Background(), chat(), nil)
	assert.True(t, errors.Is(err, backends.ErrNoModel))
}

func TestServerErrorIsProtocolError(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	})
	b := newBackend(t, s)
	_, err := b.Generate(context.Background(), chat(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrProtocol))
	assert.Contains(t, err.Error(), "500")
}

func TestStreamYieldsDeltas(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		assert.Equal(t, true, req["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "Hello", "Hello world"} {
			chunk, _ := json.Marshal(reply(text))
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	b := newBackend(t, s)

	stream, err := b.Stream(context.Background(), chat(), nil)
	require.NoError(t, err)

	var deltas []string
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		deltas = append(deltas, d.Text)
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, deltas)

	final, err := stream.Final()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", final.Text)
	assert.Equal(t, 3, final.MetaInfo.CompletionTokens)
}

func TestStreamWithoutChunks(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	b := newBackend(t, s)

	stream, err := b.Stream(context.Background(), chat(), nil)
	require.NoError(t, err)
	_, err = stream.Final()
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrProtocol))
}

func logprobs(entries ...interface{}) []interface{} {
	return entries
}

func scored(id string, normalized float64, input []interface{}) map[string]interface{} {
	return map[string]interface{}{
		"text":  "",
		"index": 0,
		"meta_info": map[string]interface{}{
			"id":                        id,
			"prompt_tokens":             12,
			"completion_tokens":         0,
			"normalized_prompt_logprob": normalized,
			"input_token_logprobs":      input,
			"output_token_logprobs":     []interface{}{},
		},
	}
}

func choiceServer(t *testing.T, batch []interface{}) *fakeServer {
	return newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		if _, ok := req["text"].(string); ok {
			r := reply("")
			r["meta_info"].(map[string]interface{})["prompt_tokens"] = 10
			writeJSON(w, r)
			return
		}
		writeJSON(w, batch)
	})
}

func animals() conversation.Conversation {
	return conversation.Conversation{
		conversation.NewUserMessage("Name a tall animal."),
		conversation.NewAssistantMessage(""),
	}
}

func TestSelectChoicePicksHighestNormalizedLogprob(t *testing.T) {
	s := choiceServer(t, []interface{}{
		scored("hippo", -2.0, logprobs([]interface{}{-1.0, 1, "\n"}, []interface{}{-3.0, 2, "hippopotamus"})),
		scored("giraffe", -0.5, logprobs([]interface{}{-0.4, 1, "\n"}, []interface{}{-0.6, 3, "giraffe"})),
	})
	b := newBackend(t, s)

	res, err := b.Generate(context.Background(), animals(), &backends.GenOptions{
		Choices: []string{"hippopotamus", "giraffe"},
	})
	require.NoError(t, err)
	assert.Equal(t, "giraffe", res.Text)
	assert.Equal(t, "giraffe", res.MetaInfo.ID)
	assert.Equal(t, -0.5, *res.MetaInfo.NormalizedPromptLogprob)

	reqs := s.Requests()
	require.Len(t, reqs, 2)
	warm := reqs[0]["sampling_params"].(map[string]interface{})
	assert.Equal(t, float64(0), warm["max_new_tokens"])

	assert.Equal(t, []interface{}{
		"USER:Name a tall animal.\nASSISTANT:hippopotamus",
		"USER:Name a tall animal.\nASSISTANT:giraffe",
	}, reqs[1]["text"])
	assert.Len(t, reqs[1]["rid"], 2)
	assert.Equal(t, float64(8), reqs[1]["logprob_start_len"])
	assert.Equal(t, true, reqs[1]["return_logprob"])
	assert.Equal(t, true, reqs[1]["return_text_in_logprobs"])
	scoring := reqs[1]["sampling_params"].(map[string]interface{})
	assert.Equal(t, float64(0), scoring["max_new_tokens"])
	assert.Equal(t, float64(0), scoring["temperature"])
}

func TestSelectChoiceCorrectsHealedToken(t *testing.T) {
	// the first reported token ":" is the tail of the bare prompt
	s := choiceServer(t, []interface{}{
		scored("a", -1.5, logprobs([]interface{}{-1.0, 1, "\n"}, []interface{}{-2.0, 2, "no"})),
		scored("b", -5.0/3.0, logprobs([]interface{}{-3.0, 1, ":"}, []interface{}{-1.0, 2, "y"}, []interface{}{-1.0, 3, "es"})),
	})
	b := newBackend(t, s)

	res, err := b.Generate(context.Background(), animals(), &backends.GenOptions{
		Choices: []string{"no", "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Text)
	assert.InDelta(t, -1.0, *res.MetaInfo.NormalizedPromptLogprob, 1e-9)
	assert.Len(t, res.MetaInfo.InputTokenLogprobs, 2)
}

func TestSelectChoiceWithoutLogprobs(t *testing.T) {
	s := choiceServer(t, []interface{}{reply("a"), reply("b")})
	b := newBackend(t, s)
	_, err := b.Generate(context.Background(), animals(), &backends.GenOptions{Choices: []string{"a", "b"}})
	require.Error(t, err)
}

func TestToolUseThroughSchema(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		sp := req["sampling_params"].(map[string]interface{})
		if _, ok := sp["json_schema"]; ok {
			writeJSON(w, reply(`{"toolName":"solveEquation","params":{"equation":"x-2=2"}}`))
			return
		}
		writeJSON(w, reply("unexpected"))
	})
	b := newBackend(t, s)

	solve, err := tools.NewTool("solveEquation", "Solves an equation",
		func(ctx context.Context, in equation) (string, error) {
			return "x = 4 for " + in.Equation, nil
		})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), chat(), &backends.GenOptions{Tools: []*tools.Tool{solve}})
	require.NoError(t, err)
	require.Len(t, res.ToolDecisions, 1)
	assert.Equal(t, "x = 4 for x-2=2", res.ToolDecisions[0].Response)

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0]["text"], "You have access to the following tools:")
}

func TestTelemetryRegion(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("Hello!"))
	})
	b := newBackend(t, s)
	sink := &recordingSink{}

	_, err := b.Generate(context.Background(), chat(), &backends.GenOptions{
		RequestID: "req-1",
		Debug:     &telemetry.Region{Name: "greeting", PromptID: "p1", Sink: sink},
	})
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "greeting", events[0].Type)
	assert.Equal(t, "p1", events[0].ID)
	assert.Equal(t, "req-1", events[0].Requests[0].ID)
	assert.Equal(t, "SYSTEM:Be brief.\nUSER:Hi\nASSISTANT:", events[0].Requests[0].RequestPrompt)
	meta := events[0].Requests[0].RequestMetadata.(*generateRequest)
	assert.Nil(t, meta.Text)

	assert.Equal(t, "resp-1", events[1].Requests[0].ID)
	assert.Equal(t, "Hello!", events[1].Requests[0].ResponseContent)
}

func TestStalledTelemetryDoesNotDelayGenerate(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("Hello!"))
	})
	b := newBackend(t, s)
	unblock := make(chan struct{})
	stalled := &stallingSink{unblock: unblock}
	sink := telemetry.NewAsyncSink(stalled, 0)

	done := make(chan error, 1)
	go func() {
		_, err := b.Generate(context.Background(), chat(), &backends.GenOptions{
			Debug: &telemetry.Region{Name: "greeting", PromptID: "p1", Sink: sink},
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("generate waited on the telemetry sink")
	}
	assert.Len(t, s.Requests(), 1)

	close(unblock)
	require.NoError(t, sink.Close())
	assert.Len(t, stalled.Events(), 2)
}

func TestMetricsAreRecorded(t *testing.T) {
	s := newFakeServer(t, "my-model", func(w http.ResponseWriter, req map[string]interface{}) {
		writeJSON(w, reply("Hello!"))
	})
	m := metrics.New()
	b := newBackend(t, s, WithMetrics(m))

	_, err := b.Generate(context.Background(), chat(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(Name, "plain")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Tokens.WithLabelValues(Name, "prompt")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Tokens.WithLabelValues(Name, "completion")))
}

func TestCloneCopiesModel(t *testing.T) {
	s := newFakeServer(t, "my-model", nil)
	b := newBackend(t, s)
	c := b.Clone().(*Backend)
	assert.Equal(t, b.url, c.url)
	assert.Equal(t, "my-model", c.ModelPath())
	assert.NotSame(t, b.group, c.group)
}

func TestTokenCount(t *testing.T) {
	b := New(WithModel("http://localhost:30000", "my-model"))
	n, err := b.TokenCount(context.Background(), conversation.Conversation{conversation.NewUserMessage("hello world")})
	require.NoError(t, err)
	assert.Greater(t, n, 2)
}

type equation struct {
	Equation string `json:"equation"`
}

type recordingSink struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (r *recordingSink) PublishEvent(ctx context.Context, event *telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) Events() []*telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*telemetry.Event(nil), r.events...)
}

// stallingSink holds every event until unblock is closed.
type stallingSink struct {
	unblock chan struct{}
	recordingSink
}

func (s *stallingSink) PublishEvent(ctx context.Context, event *telemetry.Event) error {
	<-s.unblock
	return s.recordingSink.PublishEvent(ctx, event)
}
