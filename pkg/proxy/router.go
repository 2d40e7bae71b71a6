package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/paths"
	"github.com/containai/acp-proxy/pkg/spawn"
	"github.com/containai/acp-proxy/pkg/wire"
)

// Proxy identity reported to the editor on initialize.
const (
	ServerName    = "containai-acp-proxy"
	ServerVersion = "0.1.0"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultSpawnTimeout     = 10 * time.Second
	// Editor payloads can embed file contents on one line.
	maxLineBytes = 10 * 1024 * 1024
)

// StartAgentFunc launches an agent transport for a new session. The default
// spawns a real subprocess; tests install scripted fakes.
type StartAgentFunc func(ctx context.Context, opts spawn.Options) (AgentTransport, error)

// Options configures a Router.
type Options struct {
	AgentCommand     string
	AgentArgs        []string
	Wrapped          bool
	HostRoot         string // Host workspace root; empty = each session's cwd
	ContainerRoot    string
	HandshakeTimeout time.Duration
	SpawnTimeout     time.Duration
	Log              *logger.Logger
	StartAgent       StartAgentFunc
}

// initSnapshot is the editor's cached initialize params, reused as the
// template for each agent-side handshake. Stored immutably; concurrent
// session/new calls each see a consistent copy.
type initSnapshot struct {
	protocolVersion wire.Payload
	clientInfo      wire.Payload
	capabilities    wire.Payload
}

// Router reads the editor's input stream, answers initialize and
// session/new itself, and forwards everything else to the owning session's
// agent. It also runs one output pump per session.
type Router struct {
	opts Options
	out  *OutputWriter
	log  *logger.Logger

	startAgent StartAgentFunc

	template atomic.Pointer[initSnapshot]

	mu       sync.RWMutex
	sessions map[string]*Session

	wg      sync.WaitGroup
	runCtx  context.Context
	runStop context.CancelFunc
}

// NewRouter creates a router writing editor-bound messages through out.
func NewRouter(opts Options, out *OutputWriter) *Router {
	if opts.Log == nil {
		opts.Log = logger.NewDefaultLogger()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	startAgent := opts.StartAgent
	if startAgent == nil {
		startAgent = func(ctx context.Context, o spawn.Options) (AgentTransport, error) {
			return spawn.Start(ctx, o)
		}
	}
	return &Router{
		opts:       opts,
		out:        out,
		log:        opts.Log,
		startAgent: startAgent,
		sessions:   make(map[string]*Session),
		runCtx:     context.Background(),
		runStop:    func() {},
	}
}

// Run reads NDJSON envelopes from the editor until EOF or ctx cancellation,
// then tears down every session and completes the output writer.
func (r *Router) Run(ctx context.Context, in io.Reader) error {
	r.runCtx, r.runStop = context.WithCancel(ctx)
	defer r.shutdown()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	first := true
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if first {
			line = bytes.TrimPrefix(line, []byte{0xEF, 0xBB, 0xBF})
			first = false
		}
		if len(line) == 0 {
			continue
		}

		env, err := wire.Decode(line)
		if err != nil {
			r.log.Warn("malformed editor message: %v", err)
			r.out.Enqueue(wire.NewError(nil, wire.CodeParseError, "Parse error", nil))
			continue
		}

		r.dispatch(env)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (r *Router) shutdown() {
	// Let in-flight session/new handlers and pumps settle before draining.
	r.runStop()
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	r.wg.Wait()
	r.out.Complete()
}

func (r *Router) dispatch(env *wire.Envelope) {
	switch {
	case env.Method == "initialize":
		r.handleInitialize(env)
	case env.Method == "session/new":
		if env.ID == nil {
			r.log.Warn("session/new requires an id, dropping notification")
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleSessionNew(env)
		}()
	case env.IsResponse():
		// The editor answered an agent-initiated request. The proxy issues
		// none of its own to the editor, so there is nothing to match.
		r.log.Debug("dropping unmatched editor response id=%s", env.ID.Key())
	case env.Method == "":
		if env.ID != nil {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeInvalidRequest, "Invalid Request", nil))
		} else {
			r.log.Warn("dropping message with no method and no id")
		}
	default:
		r.routeToSession(env)
	}
}

// handleInitialize caches the editor's params as the handshake template and
// replies with the proxy's own capabilities, echoing the requested protocol
// version.
func (r *Router) handleInitialize(env *wire.Envelope) {
	snap := &initSnapshot{}
	if pv, ok := env.Params.Field("protocolVersion"); ok {
		snap.protocolVersion = pv
	}
	if ci, ok := env.Params.Field("clientInfo"); ok {
		snap.clientInfo = ci
	}
	if caps, ok := env.Params.Field("capabilities"); ok {
		snap.capabilities = caps
	}
	r.template.Store(snap)

	if env.ID == nil {
		return
	}

	result := map[string]json.RawMessage{
		"capabilities": json.RawMessage(`{"multiSession":true}`),
		"serverInfo":   json.RawMessage(fmt.Sprintf(`{"name":%q,"version":%q}`, ServerName, ServerVersion)),
	}
	if len(snap.protocolVersion) > 0 {
		result["protocolVersion"] = json.RawMessage(snap.protocolVersion)
	}
	payload, err := wire.NewPayload(result)
	if err != nil {
		r.out.Enqueue(wire.NewError(env.ID, wire.CodeInternalError, err.Error(), nil))
		return
	}
	r.out.Enqueue(wire.NewResult(env.ID, payload))
}

// routeToSession forwards an editor request or notification to the agent
// that owns params.sessionId, rewriting the session id from the proxy's
// namespace to the agent's.
func (r *Router) routeToSession(env *wire.Envelope) {
	sidPayload, ok := env.Params.Field("sessionId")
	if !ok {
		if env.IsRequest() {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeMethodNotFound, "Unknown method: "+env.Method, nil))
		} else {
			r.log.Warn("dropping %q: no session routing", env.Method)
		}
		return
	}
	sid, err := sidPayload.AsString()
	if err != nil {
		if env.IsRequest() {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeInvalidParams, "sessionId must be a string", nil))
		} else {
			r.log.Warn("dropping %q: sessionId is not a string", env.Method)
		}
		return
	}

	r.mu.RLock()
	sess := r.sessions[sid]
	r.mu.RUnlock()
	if sess == nil {
		if env.IsRequest() {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeSessionNotFound, "Session not found: "+sid, nil))
		} else {
			r.log.Warn("dropping %q for unknown session %s", env.Method, sid)
		}
		return
	}

	params, err := env.Params.WithField("sessionId", sess.AgentID())
	if err != nil {
		if env.IsRequest() {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeInvalidParams, err.Error(), nil))
		}
		return
	}
	forward := &wire.Envelope{JSONRPC: wire.Version, ID: env.ID, Method: env.Method, Params: params}
	if err := sess.WriteToAgent(forward); err != nil {
		r.log.Error("failed to forward %q to session %s: %v", env.Method, sid, err)
		if env.IsRequest() {
			r.out.Enqueue(wire.NewError(env.ID, wire.CodeInternalError, err.Error(), nil))
		}
	}
}

// handleSessionNew spawns an agent, performs the agent-side initialize and
// session/new handshakes, and registers the session under a fresh proxy id.
// Any failure tears the partial session down and reports
// SessionCreationFailed; nothing half-built stays registered.
func (r *Router) handleSessionNew(env *wire.Envelope) {
	hostCwd := r.resolveWorkspace(env.Params)

	proxyID := uuid.NewString()
	sessCtx, cancel := context.WithCancel(r.runCtx)
	sessLog := r.log.WithPrefix(fmt.Sprintf("[acp-proxy %s] ", proxyID[:8]))

	agent, err := r.startAgentBounded(sessCtx, spawn.Options{
		Command: r.opts.AgentCommand,
		Args:    r.opts.AgentArgs,
		Dir:     hostCwd,
		Wrapped: r.opts.Wrapped,
		Log:     sessLog,
	})
	if err != nil {
		cancel()
		r.out.Enqueue(wire.NewError(env.ID, wire.CodeSessionCreationFailed, fmt.Sprintf("failed to start agent: %v", err), nil))
		return
	}

	sess := NewSession(sessCtx, cancel, proxyID, hostCwd, agent, sessLog)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pump(sess)
	}()

	fail := func(stage string, err error) {
		sess.Close()
		msg := stage
		if err != nil {
			msg = fmt.Sprintf("%s: %v", stage, err)
		}
		sessLog.Warn("session creation failed: %s", msg)
		r.out.Enqueue(wire.NewError(env.ID, wire.CodeSessionCreationFailed, msg, nil))
	}

	// Agent-side initialize, templated from the editor's own initialize.
	initReq := wire.NewRequest(wire.StringID("init-"+proxyID), "initialize", r.templateParams())
	initResp, err := sess.SendAndWait(initReq, r.opts.HandshakeTimeout)
	if err != nil {
		fail("agent initialize failed", err)
		return
	}
	if initResp.Error != nil {
		fail("agent initialize failed", initResp.Error)
		return
	}

	newParams, err := r.buildAgentSessionParams(env.Params, hostCwd)
	if err != nil {
		fail("invalid session/new params", err)
		return
	}
	newReq := wire.NewRequest(wire.StringID("session-new-"+proxyID), "session/new", newParams)
	newResp, err := sess.SendAndWait(newReq, r.opts.HandshakeTimeout)
	if err != nil {
		fail("agent session/new failed", err)
		return
	}
	if newResp.Error != nil {
		fail("agent session/new failed", newResp.Error)
		return
	}

	agentID := ""
	if sid, ok := newResp.Result.Field("sessionId"); ok {
		agentID, _ = sid.AsString()
	}
	if agentID == "" {
		fail("agent returned no session id", nil)
		return
	}
	sess.SetAgentID(agentID)

	r.mu.Lock()
	r.sessions[proxyID] = sess
	r.mu.Unlock()
	sessLog.Info("session created: agent id %s, workspace %s", agentID, hostCwd)

	// Pass the agent's extra result fields through, but never its own
	// session id: the editor only ever sees the proxy's.
	result := newResp.Result
	if result.IsObject() {
		if stripped, err := result.WithoutField("sessionId"); err == nil {
			result = stripped
		}
		if withID, err := result.WithField("sessionId", proxyID); err == nil {
			result = withID
		}
	} else {
		result = wire.MustPayload(map[string]string{"sessionId": proxyID})
	}
	r.out.Enqueue(wire.NewResult(env.ID, result))
}

// startAgentBounded wraps agent startup in the spawn bound so a wedged
// launcher cannot hang session/new indefinitely.
func (r *Router) startAgentBounded(ctx context.Context, opts spawn.Options) (AgentTransport, error) {
	type startResult struct {
		agent AgentTransport
		err   error
	}
	ch := make(chan startResult, 1)
	go func() {
		agent, err := r.startAgent(ctx, opts)
		ch <- startResult{agent, err}
	}()

	timer := time.NewTimer(r.opts.SpawnTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.agent, res.err
	case <-timer.C:
		return nil, fmt.Errorf("agent %q did not start within %s", opts.Command, r.opts.SpawnTimeout)
	}
}

// templateParams builds the agent-side initialize params from the cached
// editor snapshot.
func (r *Router) templateParams() wire.Payload {
	snap := r.template.Load()
	params := map[string]json.RawMessage{}
	if snap != nil {
		if len(snap.protocolVersion) > 0 {
			params["protocolVersion"] = json.RawMessage(snap.protocolVersion)
		}
		if len(snap.clientInfo) > 0 {
			params["clientInfo"] = json.RawMessage(snap.clientInfo)
		}
		if len(snap.capabilities) > 0 {
			params["capabilities"] = json.RawMessage(snap.capabilities)
		}
	}
	payload, err := wire.NewPayload(params)
	if err != nil {
		return wire.Payload("{}")
	}
	return payload
}

// buildAgentSessionParams rewrites the editor's session/new params for the
// agent: cwd and mcpServers move into the container namespace, everything
// else passes through untouched.
func (r *Router) buildAgentSessionParams(params wire.Payload, hostCwd string) (wire.Payload, error) {
	translator := r.translatorFor(hostCwd)

	if !params.IsObject() {
		params = wire.Payload("{}")
	}
	out, err := params.WithField("cwd", translator.ToContainer(hostCwd))
	if err != nil {
		return nil, err
	}
	if servers, ok := out.Field("mcpServers"); ok {
		out, err = out.WithField("mcpServers", translator.TranslateMCPServers(servers))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Router) translatorFor(hostCwd string) *paths.Translator {
	root := r.opts.HostRoot
	if root == "" {
		root = hostCwd
	}
	return paths.NewTranslator(root, r.opts.ContainerRoot)
}

// resolveWorkspace picks the session's host workspace: the request's cwd if
// present, the process working directory otherwise.
func (r *Router) resolveWorkspace(params wire.Payload) string {
	if cwdPayload, ok := params.Field("cwd"); ok {
		if cwd, err := cwdPayload.AsString(); err == nil && cwd != "" {
			return cwd
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// pump is the per-session loop draining the agent's output. Responses that
// match a pending proxy request resolve it and stop there; everything else
// has its agent session id rewritten to the proxy's and is forwarded to the
// editor. Malformed lines are logged and skipped.
func (r *Router) pump(sess *Session) {
	for line := range sess.agent.Output() {
		if len(line) == 0 {
			continue
		}
		env, err := wire.Decode([]byte(line))
		if err != nil {
			sess.log.Warn("malformed agent message, skipping: %v", err)
			continue
		}

		if env.IsResponse() && sess.CompletePending(env) {
			continue
		}

		if agentID := sess.AgentID(); agentID != "" && env.Params.IsObject() {
			if sidPayload, ok := env.Params.Field("sessionId"); ok {
				if sid, err := sidPayload.AsString(); err == nil && sid == agentID {
					if params, err := env.Params.WithField("sessionId", sess.ProxyID); err == nil {
						env.Params = params
					}
				}
			}
		}

		r.out.Enqueue(env)
	}

	// Agent gone: release the session and anything still waiting on it.
	r.removeSession(sess.ProxyID)
	sess.Close()
	sess.log.Debug("output pump stopped")
}

func (r *Router) removeSession(proxyID string) {
	r.mu.Lock()
	delete(r.sessions, proxyID)
	r.mu.Unlock()
}

// Session returns the live session registered under the proxy id, if any.
func (r *Router) Session(proxyID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[proxyID]
	return sess, ok
}

// SessionCount returns the number of live sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
