package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/auth"
	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/cursor"
	"github.com/cursorgate/cursorgate/internal/models"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/testutil"
	"github.com/cursorgate/cursorgate/internal/token"
	"github.com/cursorgate/cursorgate/internal/tokencount"
)

const adminToken = "admin-secret"

type testServer struct {
	srv      *httptest.Server
	upstream *testutil.FakeUpstream
	tokens   *app.TokenManager
	logs     *app.LogManager
	pool     *token.Pool
}

func newTestServer(t *testing.T, fake *testutil.FakeUpstream, mutate func(*config.Config)) *testServer {
	t.Helper()

	up := httptest.NewServer(fake)
	t.Cleanup(up.Close)

	cfg := config.Default()
	cfg.Auth.AdminToken = adminToken
	if mutate != nil {
		mutate(cfg)
	}

	proxies := proxypool.New(10*time.Second, 30*time.Second)
	client := cursor.NewClient(cursor.ClientConfig{
		UpstreamHost:  up.URL,
		ProfileURL:    up.URL + "/profile",
		ClientVersion: "1.0.0",
	}, proxies)

	pool := token.NewPool()
	parser := token.NewParser(cfg.Cursor.AllowedProviders, cfg.Auth.TokenDelimiter)
	tokens := app.NewTokenManager()
	logs := app.NewLogManager(cfg.Logs.Limit)
	registry := models.NewRegistry(cfg.Cursor.BypassModels)

	admitter, err := auth.New(auth.Config{
		AdminToken:   cfg.Auth.AdminToken,
		ShareToken:   cfg.Auth.ShareToken,
		ShareEnabled: cfg.Auth.ShareEnabled,
		KeyPrefix:    cfg.Auth.KeyPrefix,
		DynamicKeys:  cfg.Auth.DynamicKeys,
	}, tokens, logs, parser, pool)
	if err != nil {
		t.Fatal(err)
	}

	chat := &app.ChatService{
		Models:  registry,
		Client:  client,
		Logs:    logs,
		Counter: tokencount.NewCounter(),
		Vision:  cursor.VisionBase64,
	}

	h := New(Deps{
		Config:   cfg,
		Admitter: admitter,
		Chat:     chat,
		Tokens:   tokens,
		Logs:     logs,
		Models:   registry,
		Proxies:  proxies,
		Parser:   parser,
		Pool:     pool,
		Upstream: client,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ts := &testServer{srv: srv, upstream: fake, tokens: tokens, logs: logs, pool: pool}
	ts.seedToken(t, 1, "primary")
	return ts
}

func (ts *testServer) seedToken(t *testing.T, seed uint64, alias string) {
	t.Helper()
	tok := ts.pool.Intern(testutil.MintRawToken(seed, time.Now()), "")
	if _, err := ts.tokens.Add(&token.Info{Bundle: token.NewBundle(tok)}, alias); err != nil {
		t.Fatal(err)
	}
}

func (ts *testServer) do(t *testing.T, method, path, credential string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}

func chatBody(model string, stream bool) map[string]any {
	return map[string]any{
		"model":  model,
		"stream": stream,
		"messages": []map[string]any{
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"},
		},
	}
}

// sseEvents splits an SSE body into its data payloads, keeping named events
// as "name\tpayload".
func sseEvents(body string) []string {
	var out []string
	var event string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event != "" {
				out = append(out, event+"\t"+data)
				event = ""
			} else {
				out = append(out, data)
			}
		}
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", "", chatBody("claude-4.5-sonnet", false))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if gjson.Get(body, "error.code").String() != "unauthorized" {
		t.Errorf("openai envelope = %s", body)
	}

	// The Anthropic surface renders its own envelope shape.
	resp = ts.do(t, http.MethodPost, "/v1/messages", "", chatBody("claude-4.5-sonnet", false))
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if gjson.Get(body, "type").String() != "error" ||
		gjson.Get(body, "error.type").String() == "" {
		t.Errorf("anthropic envelope = %s", body)
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.TextFrame("Hello"),
		testutil.TextFrame(" there"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("claude-4.5-sonnet", false))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := gjson.Get(body, "choices.0.message.content").String(); got != "Hello there" {
		t.Errorf("content = %q", got)
	}
	if gjson.Get(body, "object").String() != "chat.completion" {
		t.Errorf("object = %s", gjson.Get(body, "object"))
	}
	if gjson.Get(body, "choices.0.finish_reason").String() != "stop" {
		t.Error("finish reason should be stop")
	}
	if gjson.Get(body, "usage.total_tokens").Int() == 0 {
		t.Error("usage should be estimated")
	}
	if fake.Calls() != 1 {
		t.Errorf("upstream calls = %d", fake.Calls())
	}
}

func TestChatCompletionsStream(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.TextFrame("Hel"),
		testutil.TextFrame("lo"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, nil)

	req := chatBody("claude-4.5-sonnet", true)
	req["stream_options"] = map[string]any{"include_usage": true}
	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, req)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := sseEvents(body)
	if len(events) == 0 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE]: %v", events)
	}
	if gjson.Get(events[0], "choices.0.delta.role").String() != "assistant" {
		t.Errorf("first chunk should open the assistant role: %s", events[0])
	}

	var text string
	var sawFinish, sawUsage bool
	for _, ev := range events[:len(events)-1] {
		if gjson.Get(ev, "object").String() != "chat.completion.chunk" {
			t.Errorf("chunk object = %s", ev)
		}
		text += gjson.Get(ev, "choices.0.delta.content").String()
		if gjson.Get(ev, "choices.0.finish_reason").String() == "stop" {
			sawFinish = true
		}
		if gjson.Get(ev, "usage.total_tokens").Int() > 0 {
			sawUsage = true
		}
	}
	if text != "Hello" {
		t.Errorf("streamed text = %q", text)
	}
	if !sawFinish {
		t.Error("missing finish chunk")
	}
	if !sawUsage {
		t.Error("include_usage should append a usage chunk")
	}
}

func TestMessagesStream(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.ThinkingFrame("let me think", "sig-1"),
		testutil.TextFrame("Answer"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, nil)

	req := map[string]any{
		"model":      "claude-4.5-sonnet",
		"stream":     true,
		"max_tokens": 100,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	}
	resp := ts.do(t, http.MethodPost, "/v1/messages", adminToken, req)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var names []string
	for _, ev := range sseEvents(body) {
		name, _, ok := strings.Cut(ev, "\t")
		if !ok {
			t.Fatalf("anthropic stream frames must be named events: %q", ev)
		}
		names = append(names, name)
	}
	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestMessagesNonStream(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.ThinkingFrame("hmm", "sig-9"),
		testutil.TextFrame("Answer"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, nil)

	req := map[string]any{
		"model":    "claude-4.5-sonnet",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	}
	resp := ts.do(t, http.MethodPost, "/v1/messages", adminToken, req)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if gjson.Get(body, "type").String() != "message" ||
		gjson.Get(body, "stop_reason").String() != "end_turn" {
		t.Errorf("message = %s", body)
	}
	if gjson.Get(body, "content.0.type").String() != "thinking" ||
		gjson.Get(body, "content.0.signature").String() != "sig-9" {
		t.Errorf("thinking block = %s", gjson.Get(body, "content.0"))
	}
	if gjson.Get(body, "content.1.text").String() != "Answer" {
		t.Errorf("text block = %s", gjson.Get(body, "content.1"))
	}
	if gjson.Get(body, "usage.input_tokens").Int() == 0 {
		t.Error("usage should be reported in the anthropic shape")
	}
}

func TestChatUnknownModel(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{}
	ts := newTestServer(t, fake, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("made-up", false))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if gjson.Get(body, "error.code").String() != "ERROR_BAD_MODEL_NAME" {
		t.Errorf("body = %s", body)
	}
	if fake.Calls() != 0 {
		t.Error("unknown model must not reach the upstream")
	}
}

func TestChatUpstreamSilence(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil) // 200 with empty body

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("claude-4.5-sonnet", true))
	body := readBody(t, resp)
	if resp.StatusCode != 533 {
		t.Errorf("status = %d, want 533", resp.StatusCode)
	}
	if gjson.Get(body, "error.code").String() != "upstream_silence" {
		t.Errorf("body = %s", body)
	}
}

func TestChatUpstreamAuthError(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{
		Status: http.StatusUnauthorized,
		Body:   []byte(`{"error":{"code":"unauthenticated","message":"token expired"}}`),
	}
	ts := newTestServer(t, fake, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("claude-4.5-sonnet", true))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want upstream status surfaced before streaming", resp.StatusCode)
	}
	if gjson.Get(body, "error.code").String() != "unauthenticated" {
		t.Errorf("body = %s", body)
	}
}

func TestChatInvalidBody(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/chat/completions",
		strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	// Model and messages are both required.
	resp = ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken,
		map[string]any{"model": "claude-4.5-sonnet"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty messages status = %d, want 400", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	resp := ts.do(t, http.MethodGet, "/v1/models", adminToken, nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ids := map[string]bool{}
	gjson.Get(body, "data").ForEach(func(_, m gjson.Result) bool {
		ids[m.Get("id").String()] = true
		return true
	})
	for _, want := range []string{"claude-4.5-sonnet", "claude-4.5-sonnet-online", "claude-4.5-sonnet-max"} {
		if !ids[want] {
			t.Errorf("model list missing %q", want)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gjson.Get(body, "status").String() != "ok" {
		t.Errorf("body = %s", body)
	}
	if gjson.Get(body, "tokens").Int() != 1 {
		t.Errorf("tokens = %s", gjson.Get(body, "tokens"))
	}
}

func TestRoutePrefix(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, func(c *config.Config) {
		c.Server.RoutePrefix = "/gw"
	})

	resp := ts.do(t, http.MethodGet, "/gw/v1/models", adminToken, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("prefixed route status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/v1/models", adminToken, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unprefixed route status = %d, want 404", resp.StatusCode)
	}

	// Health stays at the root regardless of prefix.
	resp = ts.do(t, http.MethodGet, "/health", "", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("root health status = %d", resp.StatusCode)
	}
}

func TestAdminRequiresCredential(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	resp := ts.do(t, http.MethodGet, "/v1/admin/tokens", "wrong", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// The alias-suffixed chat credential is not an admin credential here.
	resp = ts.do(t, http.MethodGet, "/v1/admin/tokens", adminToken+"-primary", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("suffixed status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminTokenLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	// Add.
	resp := ts.do(t, http.MethodPost, "/v1/admin/tokens", adminToken, map[string]any{
		"token": testutil.MintJWT(7, time.Now()),
		"alias": "second",
	})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d: %s", resp.StatusCode, body)
	}
	id := gjson.Get(body, "id").Int()
	if gjson.Get(body, "alias").String() != "second" {
		t.Errorf("add response = %s", body)
	}
	if gjson.Get(body, "provider").String() != "auth0" {
		t.Errorf("provider = %s", gjson.Get(body, "provider"))
	}

	// List shows the seeded token plus the new one.
	resp = ts.do(t, http.MethodGet, "/v1/admin/tokens", adminToken, nil)
	body = readBody(t, resp)
	if gjson.Get(body, "total").Int() != 2 {
		t.Errorf("list = %s", body)
	}

	// Malformed credentials are rejected.
	resp = ts.do(t, http.MethodPost, "/v1/admin/tokens", adminToken, map[string]any{"token": "junk"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}

	// Disable, then confirm the admin surface reflects it.
	resp = ts.do(t, http.MethodPatch, fmt.Sprintf("/v1/admin/tokens/%d", id), adminToken,
		map[string]any{"status": "disabled"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("patch status = %d", resp.StatusCode)
	}

	// Remove.
	resp = ts.do(t, http.MethodDelete, fmt.Sprintf("/v1/admin/tokens/%d", id), adminToken, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, fmt.Sprintf("/v1/admin/tokens/%d", id), adminToken, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminProxies(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &testutil.FakeUpstream{}, nil)

	resp := ts.do(t, http.MethodPost, "/v1/admin/proxies", adminToken, map[string]any{
		"name": "eu", "kind": "url", "url": "http://proxy.example:3128",
	})
	readBody(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPut, "/v1/admin/proxies/general", adminToken,
		map[string]any{"name": "eu"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("set general status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/v1/admin/proxies", adminToken, nil)
	body := readBody(t, resp)
	var foundGeneral bool
	gjson.Get(body, "data").ForEach(func(_, p gjson.Result) bool {
		if p.Get("name").String() == "eu" && p.Get("general").Bool() {
			foundGeneral = true
		}
		return true
	})
	if !foundGeneral {
		t.Errorf("proxy list = %s", body)
	}

	resp = ts.do(t, http.MethodDelete, "/v1/admin/proxies/eu", adminToken, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestBuildKeyRoundTrip(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.TextFrame("ok"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, func(c *config.Config) {
		c.Auth.DynamicKeys = true
	})

	resp := ts.do(t, http.MethodPost, "/v1/admin/build-key", adminToken, map[string]any{
		"token":    testutil.MintJWT(11, time.Now()),
		"timezone": "Asia/Tokyo",
	})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("build status = %d: %s", resp.StatusCode, body)
	}
	key := gjson.Get(body, "key").String()
	if !strings.HasPrefix(key, "sk-") {
		t.Fatalf("key = %q, want sk- prefix", key)
	}

	// The built key admits a chat request on its own.
	resp = ts.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody("claude-4.5-sonnet", false))
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat with built key status = %d: %s", resp.StatusCode, body)
	}
	if gjson.Get(body, "choices.0.message.content").String() != "ok" {
		t.Errorf("content = %s", body)
	}
}

func TestAdminLogsAndConfig(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{Body: testutil.Stream(
		testutil.TextFrame("hi"),
		testutil.EndFrame(),
	)}
	ts := newTestServer(t, fake, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("claude-4.5-sonnet", false))
	readBody(t, resp)

	resp = ts.do(t, http.MethodGet, "/v1/admin/logs?limit=10", adminToken, nil)
	body := readBody(t, resp)
	if gjson.Get(body, "total").Int() != 1 {
		t.Errorf("logs = %s", body)
	}
	if gjson.Get(body, "data.0.model").String() != "claude-4.5-sonnet" {
		t.Errorf("log entry = %s", gjson.Get(body, "data.0"))
	}

	resp = ts.do(t, http.MethodGet, "/v1/admin/config", adminToken, nil)
	body = readBody(t, resp)
	if gjson.Get(body, "upstream_host").String() == "" {
		t.Errorf("config = %s", body)
	}
	if gjson.Get(body, "general_proxy").String() != proxypool.DefaultGeneral {
		t.Errorf("general proxy = %s", gjson.Get(body, "general_proxy"))
	}
}

func TestChatStreamErrorEvent(t *testing.T) {
	t.Parallel()

	// Upstream fails after the first content chunk: the stream must end
	// with an error frame, not a clean finish.
	fake := &testutil.FakeUpstream{
		Chunks: [][]byte{
			testutil.TextFrame("Hello"),
			testutil.ErrorFrame("internal", "boom"),
		},
		ChunkDelay: 50 * time.Millisecond,
	}
	ts := newTestServer(t, fake, nil)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions", adminToken, chatBody("claude-4.5-sonnet", true))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	events := sseEvents(body)
	if len(events) < 2 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE]: %v", events)
	}
	last := events[len(events)-2]
	if gjson.Get(last, "error.code").String() != "internal" {
		t.Errorf("terminal frame should carry the error: %s", last)
	}
	for _, ev := range events {
		if gjson.Get(ev, "choices.0.finish_reason").String() == "stop" {
			t.Errorf("failed stream must not emit a clean finish: %s", ev)
		}
	}
}

func TestMessagesStreamErrorEvent(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeUpstream{
		Chunks: [][]byte{
			testutil.TextFrame("Hello"),
			testutil.ErrorFrame("overloaded", "try later"),
		},
		ChunkDelay: 50 * time.Millisecond,
	}
	ts := newTestServer(t, fake, nil)

	req := map[string]any{
		"model":      "claude-4.5-sonnet",
		"stream":     true,
		"max_tokens": 100,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	}
	resp := ts.do(t, http.MethodPost, "/v1/messages", adminToken, req)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	events := sseEvents(body)
	if len(events) == 0 {
		t.Fatal("no events")
	}
	name, data, _ := strings.Cut(events[len(events)-1], "\t")
	if name != "error" {
		t.Fatalf("terminal event = %q, want error: %v", name, events)
	}
	if gjson.Get(data, "type").String() != "error" ||
		gjson.Get(data, "error.type").String() != "overloaded" {
		t.Errorf("error payload = %s", data)
	}
	for _, ev := range events {
		if n, _, _ := strings.Cut(ev, "\t"); n == "message_stop" {
			t.Error("failed stream must not emit message_stop")
		}
	}
}
