package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalglass/voice-gateway/internal/history"
	"github.com/vocalglass/voice-gateway/internal/resilience"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

func sseServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeDeltas(w http.ResponseWriter, deltas ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, d := range deltas {
		payload, _ := json.Marshal(map[string]interface{}{
			"choices": []map[string]interface{}{{"delta": map[string]string{"content": d}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newTestClient(endpoint string, store history.Store) *Client {
	return NewClient(Config{
		APIKey:                    "test-key",
		Endpoint:                  endpoint,
		Model:                     "test-model",
		Temperature:               0.5,
		SystemPrompt:              "be brief",
		CircuitBreakerMaxFailures: 2,
	}, store)
}

func collect(t *testing.T, fs stream.FragmentStream) ([]string, error) {
	t.Helper()
	defer fs.Close()

	var out []string
	for {
		f, err := fs.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func TestGenerate_StreamsFragments(t *testing.T) {
	var got chatRequest
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		got = req
		writeDeltas(w, "Hello", "", " there.\n", "Bye")
		fmt.Fprint(w, ": keepalive\n\ndata: [DONE]\n\n")
	})

	client := newTestClient(srv.URL, nil)
	fs, err := client.Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)

	fragments, err := collect(t, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " there.\n", "Bye"}, fragments)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 0.5, got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: history.RoleSystem, Content: "be brief"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: history.RoleUser, Content: "hi"}, got.Messages[1])
}

func TestGenerate_UsesAndRecordsHistory(t *testing.T) {
	var requests []chatRequest
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		requests = append(requests, req)
		writeDeltas(w, "Reply ", fmt.Sprint(len(requests)))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	store := history.NewMemoryStore(10)
	client := newTestClient(srv.URL, store)

	for _, prompt := range []string{"first", "second"} {
		fs, err := client.Generate(context.Background(), "s1", prompt)
		require.NoError(t, err)
		_, err = collect(t, fs)
		require.NoError(t, err)
	}

	require.Len(t, requests, 2)
	assert.Equal(t, []chatMessage{
		{Role: history.RoleSystem, Content: "be brief"},
		{Role: history.RoleUser, Content: "first"},
		{Role: history.RoleAssistant, Content: "Reply 1"},
		{Role: history.RoleUser, Content: "second"},
	}, requests[1].Messages)

	msgs, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestGenerate_AbandonedStreamSkipsHistory(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		writeDeltas(w, "one\n", "two")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	store := history.NewMemoryStore(10)
	client := newTestClient(srv.URL, store)

	fs, err := client.Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)
	first, err := fs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one\n", first)
	require.NoError(t, fs.Close())

	_, err = fs.Next(context.Background())
	assert.Error(t, err)

	msgs, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGenerate_EndWithoutDone(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		writeDeltas(w, "only")
	})

	fs, err := newTestClient(srv.URL, nil).Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)

	fragments, err := collect(t, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, fragments)
}

func TestGenerate_APIError(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	_, err := newTestClient(srv.URL, nil).Generate(context.Background(), "s1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestGenerate_ErrorEventMidStream(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		writeDeltas(w, "partial")
		fmt.Fprint(w, `data: {"error":{"message":"overloaded","type":"server_error"}}`+"\n\n")
	})

	store := history.NewMemoryStore(10)
	fs, err := newTestClient(srv.URL, store).Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)

	fragments, err := collect(t, fs)
	assert.Equal(t, []string{"partial"}, fragments)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")

	msgs, _ := store.Load(context.Background(), "s1")
	assert.Empty(t, msgs)
}

func TestGenerate_CircuitOpens(t *testing.T) {
	calls := 0
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	client := newTestClient(srv.URL, nil)
	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), "s1", "hi")
		require.Error(t, err)
	}

	_, err := client.Generate(context.Background(), "s1", "hi")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestGenerate_TrimsEndpointSlash(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	fs, err := newTestClient(srv.URL+"/", nil).Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)
	fragments, err := collect(t, fs)
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDeltas(w, "slow")
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(Config{APIKey: "k", Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	fs, err := client.Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)

	_, err = collect(t, fs)
	assert.Error(t, err)
}

func TestGenerate_CancelledCallersKeepCircuitClosed(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		if slow.Load() {
			time.Sleep(200 * time.Millisecond)
		}
		writeDeltas(w, "ok")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	client := newTestClient(srv.URL, nil)
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := client.Generate(ctx, "s1", "hi")
		cancel()
		require.Error(t, err)
	}

	slow.Store(false)
	fs, err := client.Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)
	fragments, err := collect(t, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, fragments)
	assert.Equal(t, resilience.StateClosed, client.circuitBreaker.GetState())
}

func TestGenerate_CancelledMidStreamKeepsCircuitClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDeltas(w, "partial")
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, nil)
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		fs, err := client.Generate(ctx, "s1", "hi")
		require.NoError(t, err)

		first, err := fs.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "partial", first)

		cancel()
		_, err = fs.Next(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		require.NoError(t, fs.Close())
	}

	assert.Equal(t, resilience.StateClosed, client.circuitBreaker.GetState())
	_, requests, failures, _ := client.circuitBreaker.GetStats()
	assert.Zero(t, requests)
	assert.Zero(t, failures)
}

func TestGenerate_CancelledSessionSkipsHistory(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		writeDeltas(w, "late reply")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	store := history.NewMemoryStore(10)
	client := newTestClient(srv.URL, store)

	fs, err := client.Generate(context.Background(), "s1", "hi")
	require.NoError(t, err)
	_, err = fs.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fs.(*fragmentStream).complete(ctx), io.EOF)
	require.NoError(t, fs.Close())

	msgs, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGenerateWithImages_SendsImageParts(t *testing.T) {
	var got chatRequest
	srv := sseServer(t, func(w http.ResponseWriter, req chatRequest) {
		got = req
		writeDeltas(w, "A cat.")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	store := history.NewMemoryStore(10)
	client := newTestClient(srv.URL, store)

	fs, err := client.GenerateWithImages(context.Background(), "s1", "what is this?", []string{"AAAA", "BBBB"})
	require.NoError(t, err)
	fragments, err := collect(t, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"A cat."}, fragments)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{
		Role: history.RoleUser,
		Parts: []contentPart{
			{Type: "text", Text: "what is this?"},
			{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64,AAAA"}},
			{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64,BBBB"}},
		},
	}, got.Messages[1])

	msgs, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "what is this?"},
		{Role: history.RoleAssistant, Content: "A cat."},
	}, msgs)
}

func TestChatMessage_WireFormat(t *testing.T) {
	plain, err := json.Marshal(chatMessage{Role: "user", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(plain))

	multimodal, err := json.Marshal(userMessage("look", []string{"Zm9v"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[
		{"type":"text","text":"look"},
		{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,Zm9v"}}
	]}`, string(multimodal))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, newTestClient(srv.URL, nil).Ping(context.Background()))
}
