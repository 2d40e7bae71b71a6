package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/spawn"
	"github.com/containai/acp-proxy/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l := logger.NewDefaultLogger()
	l.SetConsoleWriter(io.Discard)
	return l
}

// fakeAgent is a scripted in-process stand-in for a spawned agent. Send
// records the line and hands it to the respond hook, which can emit output
// lines back through the agent's stdout channel.
type fakeAgent struct {
	mu   sync.Mutex
	sent []string

	out      chan string
	exited   chan struct{}
	exitOnce sync.Once
	status   spawn.ExitStatus

	respond func(a *fakeAgent, env *wire.Envelope)
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		out:    make(chan string, 32),
		exited: make(chan struct{}),
	}
}

func (a *fakeAgent) Send(line string) error {
	select {
	case <-a.exited:
		return spawn.ErrAgentExited
	default:
	}
	a.mu.Lock()
	a.sent = append(a.sent, line)
	a.mu.Unlock()
	if a.respond != nil {
		if env, err := wire.Decode([]byte(line)); err == nil {
			a.respond(a, env)
		}
	}
	return nil
}

func (a *fakeAgent) emit(env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		panic(err)
	}
	a.out <- string(data)
}

func (a *fakeAgent) emitRaw(line string) { a.out <- line }

func (a *fakeAgent) Output() <-chan string    { return a.out }
func (a *fakeAgent) Exited() <-chan struct{}  { return a.exited }
func (a *fakeAgent) Status() spawn.ExitStatus { return a.status }
func (a *fakeAgent) CloseInput()              { a.exit(0) }
func (a *fakeAgent) Kill()                    { a.exit(-1) }

func (a *fakeAgent) exit(code int) {
	a.exitOnce.Do(func() {
		a.status = spawn.ExitStatus{Code: code}
		close(a.exited)
		close(a.out)
	})
}

func (a *fakeAgent) sentLines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

// handshakeResponder answers the proxy's handshake (and session/prompt, for
// routing tests) the way a well-behaved agent would.
func handshakeResponder(agentSessionID string) func(a *fakeAgent, env *wire.Envelope) {
	return func(a *fakeAgent, env *wire.Envelope) {
		switch env.Method {
		case "initialize":
			a.emit(wire.NewResult(env.ID, wire.Payload(`{"protocolVersion":"0.3.1","capabilities":{}}`)))
		case "session/new":
			a.emit(wire.NewResult(env.ID, wire.MustPayload(map[string]any{
				"sessionId": agentSessionID,
				"modes":     map[string]string{"current": "code"},
			})))
		case "session/prompt":
			a.emit(wire.NewResult(env.ID, wire.Payload(`{"stopReason":"end_turn"}`)))
		}
	}
}

type routerHarness struct {
	router *Router
	out    *OutputWriter
	buf    *syncBuffer
	agent  *fakeAgent
}

func newRouterHarness(t *testing.T, agent *fakeAgent, tweak func(*Options)) *routerHarness {
	t.Helper()
	buf := &syncBuffer{}
	log := testLogger(t)
	out := NewOutputWriter(buf, log)
	opts := Options{
		AgentCommand:     "fake-agent",
		HandshakeTimeout: 2 * time.Second,
		SpawnTimeout:     2 * time.Second,
		Log:              log,
		StartAgent: func(ctx context.Context, o spawn.Options) (AgentTransport, error) {
			return agent, nil
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &routerHarness{
		router: NewRouter(opts, out),
		out:    out,
		buf:    buf,
		agent:  agent,
	}
}

// outputLines completes the writer and returns each written NDJSON line.
func (h *routerHarness) outputLines(t *testing.T) []string {
	t.Helper()
	h.out.Complete()
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(h.buf.Bytes()))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func mustDecode(t *testing.T, line string) *wire.Envelope {
	t.Helper()
	env, err := wire.Decode([]byte(line))
	require.NoError(t, err)
	return env
}

const editorInitialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"0.3.1","clientInfo":{"name":"zed","version":"1.0"},"capabilities":{"fs":{"readTextFile":true}}}}`

func TestRouterInitialize(t *testing.T) {
	h := newRouterHarness(t, newFakeAgent(), nil)
	h.router.dispatch(mustDecode(t, editorInitialize))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ProtocolVersion string `json:"protocolVersion"`
			Capabilities    struct {
				MultiSession bool `json:"multiSession"`
			} `json:"capabilities"`
			ServerInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, 1, resp.ID)
	assert.Equal(t, "0.3.1", resp.Result.ProtocolVersion)
	assert.True(t, resp.Result.Capabilities.MultiSession)
	assert.Equal(t, ServerName, resp.Result.ServerInfo.Name)
	assert.Equal(t, ServerVersion, resp.Result.ServerInfo.Version)
}

func TestRouterInitializeNotificationCachesTemplate(t *testing.T) {
	h := newRouterHarness(t, newFakeAgent(), nil)
	h.router.dispatch(mustDecode(t, `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"0.9"}}`))

	assert.Empty(t, h.outputLines(t))
	params := h.router.templateParams()
	pv, ok := params.Field("protocolVersion")
	require.True(t, ok)
	s, err := pv.AsString()
	require.NoError(t, err)
	assert.Equal(t, "0.9", s)
}

func TestRouterSessionNew(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = handshakeResponder("agent-sess-1")
	h := newRouterHarness(t, agent, nil)

	h.router.handleInitialize(mustDecode(t, editorInitialize))
	h.router.handleSessionNew(mustDecode(t,
		`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/srv/work","mcpServers":{"fs":{"command":"mcp-fs","args":["/srv/work/data"]}}}}`))

	assert.Equal(t, 1, h.router.SessionCount())

	lines := h.outputLines(t)
	require.Len(t, lines, 2)

	resp := mustDecode(t, lines[1])
	require.Nil(t, resp.Error)
	sid, ok := resp.Result.Field("sessionId")
	require.True(t, ok)
	proxyID, err := sid.AsString()
	require.NoError(t, err)
	assert.NotEmpty(t, proxyID)
	// The agent's own session id never reaches the editor.
	assert.NotEqual(t, "agent-sess-1", proxyID)
	// Extra agent result fields pass through.
	modes, ok := resp.Result.Field("modes")
	require.True(t, ok)
	current, _ := modes.Field("current")
	s, err := current.AsString()
	require.NoError(t, err)
	assert.Equal(t, "code", s)

	sess, ok := h.router.Session(proxyID)
	require.True(t, ok)
	assert.Equal(t, "agent-sess-1", sess.AgentID())
	assert.Equal(t, "/srv/work", sess.Workspace)

	sent := agent.sentLines()
	require.Len(t, sent, 2)

	initReq := mustDecode(t, sent[0])
	assert.Equal(t, "initialize", initReq.Method)
	pv, _ := initReq.Params.Field("protocolVersion")
	s, err = pv.AsString()
	require.NoError(t, err)
	assert.Equal(t, "0.3.1", s)
	_, ok = initReq.Params.Field("clientInfo")
	assert.True(t, ok)

	newReq := mustDecode(t, sent[1])
	assert.Equal(t, "session/new", newReq.Method)
	cwd, _ := newReq.Params.Field("cwd")
	s, err = cwd.AsString()
	require.NoError(t, err)
	assert.Equal(t, "/home/agent/workspace", s)
	servers, ok := newReq.Params.Field("mcpServers")
	require.True(t, ok)
	fs, _ := servers.Field("fs")
	args, _ := fs.Field("args")
	arg0, _ := args.At(0)
	s, err = arg0.AsString()
	require.NoError(t, err)
	assert.Equal(t, "/home/agent/workspace/data", s)
}

func TestRouterSessionNewSpawnFailure(t *testing.T) {
	h := newRouterHarness(t, nil, func(o *Options) {
		o.StartAgent = func(ctx context.Context, opts spawn.Options) (AgentTransport, error) {
			return nil, assert.AnError
		}
	})
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/srv/work"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionCreationFailed), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "failed to start agent")
	assert.Equal(t, 0, h.router.SessionCount())
}

func TestRouterSessionNewSpawnTimeout(t *testing.T) {
	h := newRouterHarness(t, nil, func(o *Options) {
		o.SpawnTimeout = 30 * time.Millisecond
		o.StartAgent = func(ctx context.Context, opts spawn.Options) (AgentTransport, error) {
			// Wedged launcher: only the session context cancellation,
			// triggered by the timeout path, releases it.
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":6,"method":"session/new","params":{"cwd":"/srv/work"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionCreationFailed), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "did not start")
	assert.Equal(t, 0, h.router.SessionCount())
}

func TestRouterSessionNewAgentExitsDuringHandshake(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = func(a *fakeAgent, env *wire.Envelope) {
		// Dies instead of answering initialize.
		a.exit(127)
	}
	h := newRouterHarness(t, agent, nil)
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":3,"method":"session/new","params":{"cwd":"/srv/work"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionCreationFailed), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "initialize")
	assert.Equal(t, 0, h.router.SessionCount())

	sess, _ := h.router.Session("anything")
	assert.Nil(t, sess)
}

func TestRouterSessionNewAgentRejects(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = func(a *fakeAgent, env *wire.Envelope) {
		switch env.Method {
		case "initialize":
			a.emit(wire.NewResult(env.ID, wire.Payload(`{}`)))
		case "session/new":
			a.emit(wire.NewError(env.ID, wire.CodeInternalError, "no workspace", nil))
		}
	}
	h := newRouterHarness(t, agent, nil)
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":4,"method":"session/new","params":{"cwd":"/srv/work"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionCreationFailed), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no workspace")
	assert.Equal(t, 0, h.router.SessionCount())
}

func TestRouterSessionNewMissingAgentSessionID(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = func(a *fakeAgent, env *wire.Envelope) {
		a.emit(wire.NewResult(env.ID, wire.Payload(`{}`)))
	}
	h := newRouterHarness(t, agent, nil)
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":5,"method":"session/new","params":{"cwd":"/srv/work"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionCreationFailed), resp.Error.Code)
	assert.Equal(t, 0, h.router.SessionCount())
}

// establishSession runs the handshake and returns the proxy session id.
func establishSession(t *testing.T, h *routerHarness) string {
	t.Helper()
	h.router.handleInitialize(mustDecode(t, editorInitialize))
	h.router.handleSessionNew(mustDecode(t, `{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/srv/work"}}`))
	require.Equal(t, 1, h.router.SessionCount())
	var proxyID string
	h.router.mu.RLock()
	for id := range h.router.sessions {
		proxyID = id
	}
	h.router.mu.RUnlock()
	require.NotEmpty(t, proxyID)
	return proxyID
}

func TestRouterForwardsToAgentWithRemappedSession(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = handshakeResponder("agent-sess-1")
	h := newRouterHarness(t, agent, nil)
	proxyID := establishSession(t, h)

	h.router.dispatch(mustDecode(t,
		`{"jsonrpc":"2.0","id":9,"method":"session/prompt","params":{"sessionId":"`+proxyID+`","prompt":[{"type":"text","text":"hi"}]}}`))

	sent := agent.sentLines()
	require.Len(t, sent, 3)
	fwd := mustDecode(t, sent[2])
	assert.Equal(t, "session/prompt", fwd.Method)
	assert.Equal(t, "9", fwd.ID.Key())
	assert.True(t, fwd.ID.IsNumeric())
	sid, _ := fwd.Params.Field("sessionId")
	s, err := sid.AsString()
	require.NoError(t, err)
	assert.Equal(t, "agent-sess-1", s)
	_, ok := fwd.Params.Field("prompt")
	assert.True(t, ok)

	// The fake answered session/prompt; the pump forwards that response to
	// the editor untouched since it matches no proxy-issued request.
	agent.exit(0)
	h.router.wg.Wait()
	lines := h.outputLines(t)
	last := mustDecode(t, lines[len(lines)-1])
	require.True(t, last.IsResponse())
	assert.Equal(t, "9", last.ID.Key())
	reason, _ := last.Result.Field("stopReason")
	s, err = reason.AsString()
	require.NoError(t, err)
	assert.Equal(t, "end_turn", s)
}

func TestRouterRewritesAgentNotifications(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = handshakeResponder("agent-sess-1")
	h := newRouterHarness(t, agent, nil)
	proxyID := establishSession(t, h)

	agent.emit(wire.NewNotification("session/update", wire.Payload(`{"sessionId":"agent-sess-1","update":{"kind":"agent_message_chunk"}}`)))
	// A notification for some other session id passes through untouched.
	agent.emit(wire.NewNotification("session/update", wire.Payload(`{"sessionId":"other","update":{}}`)))
	agent.exit(0)
	h.router.wg.Wait()

	lines := h.outputLines(t)
	require.Len(t, lines, 4)

	first := mustDecode(t, lines[2])
	sid, _ := first.Params.Field("sessionId")
	s, err := sid.AsString()
	require.NoError(t, err)
	assert.Equal(t, proxyID, s)

	second := mustDecode(t, lines[3])
	sid, _ = second.Params.Field("sessionId")
	s, err = sid.AsString()
	require.NoError(t, err)
	assert.Equal(t, "other", s)

	// The pump removed the session when the agent exited.
	assert.Equal(t, 0, h.router.SessionCount())
}

func TestRouterSkipsMalformedAgentOutput(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = handshakeResponder("agent-sess-1")
	h := newRouterHarness(t, agent, nil)
	establishSession(t, h)

	agent.emitRaw(`{not json`)
	agent.emit(wire.NewNotification("session/update", wire.Payload(`{"sessionId":"agent-sess-1"}`)))
	agent.exit(0)
	h.router.wg.Wait()

	lines := h.outputLines(t)
	// init result, session/new result, and the one valid notification.
	assert.Len(t, lines, 3)
}

func TestRouterUnknownSession(t *testing.T) {
	h := newRouterHarness(t, newFakeAgent(), nil)

	h.router.dispatch(mustDecode(t, `{"jsonrpc":"2.0","id":7,"method":"session/prompt","params":{"sessionId":"ghost"}}`))
	h.router.dispatch(mustDecode(t, `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"ghost"}}`))

	lines := h.outputLines(t)
	// The request gets an error; the notification is dropped silently.
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeSessionNotFound), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "ghost")
}

func TestRouterUnknownMethod(t *testing.T) {
	h := newRouterHarness(t, newFakeAgent(), nil)
	h.router.dispatch(mustDecode(t, `{"jsonrpc":"2.0","id":8,"method":"fs/read_text_file","params":{"path":"/x"}}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeMethodNotFound), resp.Error.Code)
}

func TestRouterInvalidRequest(t *testing.T) {
	h := newRouterHarness(t, newFakeAgent(), nil)
	h.router.dispatch(mustDecode(t, `{"jsonrpc":"2.0","id":5}`))

	lines := h.outputLines(t)
	require.Len(t, lines, 1)
	resp := mustDecode(t, lines[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(wire.CodeInvalidRequest), resp.Error.Code)
}

func TestRouterRunEndToEnd(t *testing.T) {
	agent := newFakeAgent()
	agent.respond = handshakeResponder("agent-sess-1")

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	log := testLogger(t)
	out := NewOutputWriter(outW, log)
	router := NewRouter(Options{
		AgentCommand:     "fake-agent",
		HandshakeTimeout: 2 * time.Second,
		SpawnTimeout:     2 * time.Second,
		Log:              log,
		StartAgent: func(ctx context.Context, o spawn.Options) (AgentTransport, error) {
			return agent, nil
		},
	}, out)

	done := make(chan error, 1)
	go func() {
		done <- router.Run(context.Background(), inR)
	}()
	br := bufio.NewReader(outR)

	writeLine := func(s string) {
		_, err := io.WriteString(inW, s+"\n")
		require.NoError(t, err)
	}
	readEnvelope := func() *wire.Envelope {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		return mustDecode(t, strings.TrimSuffix(line, "\n"))
	}

	writeLine(editorInitialize)
	initResp := readEnvelope()
	require.True(t, initResp.IsResponse())
	require.Nil(t, initResp.Error)

	writeLine(`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/srv/work"}}`)
	newResp := readEnvelope()
	require.Nil(t, newResp.Error)
	sid, ok := newResp.Result.Field("sessionId")
	require.True(t, ok)
	proxyID, err := sid.AsString()
	require.NoError(t, err)

	writeLine(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"` + proxyID + `","prompt":[]}}`)
	promptResp := readEnvelope()
	assert.Equal(t, "3", promptResp.ID.Key())
	require.Nil(t, promptResp.Error)

	// Malformed input gets a parse error with a null id.
	writeLine(`{"garbage`)
	parseResp := readEnvelope()
	require.NotNil(t, parseResp.Error)
	assert.Equal(t, int32(wire.CodeParseError), parseResp.Error.Code)
	assert.Nil(t, parseResp.ID)

	// EOF on stdin tears everything down.
	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
	assert.Equal(t, 0, router.SessionCount())
	select {
	case <-agent.Exited():
	default:
		t.Fatal("agent not terminated on shutdown")
	}
	outW.Close()
}
