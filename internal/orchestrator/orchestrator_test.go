package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdf/backend/internal/config"
	"chatdf/backend/internal/wsevents"
)

func TestDeriveTitle_ShortContentUnchanged(t *testing.T) {
	assert.Equal(t, "how many orders last week?", deriveTitle("how many orders last week?"))
}

func TestDeriveTitle_EmptyContentFallsBack(t *testing.T) {
	assert.Equal(t, "New conversation", deriveTitle("   "))
}

func TestDeriveTitle_TruncatesAtFiftyCharsWithEllipsis(t *testing.T) {
	content := strings.Repeat("A", 60)

	title := deriveTitle(content)

	assert.Equal(t, strings.Repeat("A", 50)+"…", title)
}

func TestDeriveTitle_ExactlyFiftyOneCharsTruncates(t *testing.T) {
	content := strings.Repeat("b", 51)

	title := deriveTitle(content)

	assert.Equal(t, strings.Repeat("b", 50)+"…", title)
	assert.Equal(t, 50, len([]rune(title))-1)
}

func TestDeriveTitle_FiftyCharsExactlyUnchanged(t *testing.T) {
	content := strings.Repeat("c", 50)
	assert.Equal(t, content, deriveTitle(content))
}

func TestDispatchExecuteSQL_RefusesOnceRetriesExhausted(t *testing.T) {
	e := &Engine{cfg: config.OrchestratorConfig{MaxSQLRetries: 2}}
	state := newTurnState(uuid.New(), nil)
	state.sqlRetries = 2

	args := []byte(`{"query":"select 1"}`)
	result := e.dispatchExecuteSQL(context.Background(), state, args, func(wsevents.Envelope) {})

	assert.Contains(t, result, "maximum retry attempts reached")
	assert.Equal(t, 2, state.sqlRetries, "a refused call must not touch the engine or bump the retry count")
}

// newLLMClientAt builds an llmClient pointed at a test server, bypassing
// newLLMClient's production timeout/retry defaults.
func newLLMClientAt(baseURL string) *llmClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	return &llmClient{http: client, model: "test-model", maxRetries: 0}
}

func sseFrame(t *testing.T, body string) string {
	t.Helper()
	return "data: " + body + "\n\n"
}

func TestRunTurn_ToolCallLimitStopsDispatchAndRepromptsWithoutTools(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		switch n {
		case 1, 2:
			fmt.Fprint(w, sseFrame(t, `{"function_call":{"name":"noop_tool","args":{}}}`))
		case 3:
			assert.Empty(t, req.Tools, "the re-prompt after the tool-call limit must omit tools")
			fmt.Fprint(w, sseFrame(t, `{"text":"final answer"}`))
		default:
			t.Fatalf("unexpected extra call to the model: %d", n)
		}
	}))
	defer srv.Close()

	e := &Engine{
		llm: newLLMClientAt(srv.URL),
		cfg: config.OrchestratorConfig{MaxToolCallsPerTurn: 1},
	}
	state := newTurnState(uuid.New(), nil)

	text, _, _, _, err := e.runTurn(context.Background(), "system", nil, state, func(wsevents.Envelope) {})

	require.NoError(t, err)
	assert.Equal(t, "final answer", text)
	assert.Equal(t, 1, state.toolCallCount, "the call that hit the limit must not be dispatched or counted")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
