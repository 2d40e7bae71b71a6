package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/spawn"
	"github.com/containai/acp-proxy/pkg/wire"
)

// killGracePeriod bounds how long a closed session waits for its agent to
// exit before killing the process outright.
var killGracePeriod = 5 * time.Second

// AgentTransport is the slice of a spawned agent the session needs: two line
// channels and an exit signal. *spawn.Agent implements it; tests substitute
// scripted fakes.
type AgentTransport interface {
	Send(line string) error
	Output() <-chan string
	Exited() <-chan struct{}
	Status() spawn.ExitStatus
	CloseInput()
	Kill()
}

// Session owns one agent transport, the write lock for its input, and the
// pending-request registry. It is the unit of lifecycle and cancellation:
// cancelling a session never affects any other.
type Session struct {
	// ProxyID is the identifier the proxy issued to the editor. Never shown
	// to the agent.
	ProxyID string

	// Workspace is the host workspace path the session was created for.
	Workspace string

	agent   AgentTransport
	pending *PendingRegistry

	mu      sync.Mutex
	agentID string

	// writeMu serializes agent-bound writes so NDJSON lines are never
	// interleaved on the wire.
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	log *logger.Logger
}

// NewSession wraps a started agent transport. ctx should be the transport's
// own context so cancelling the session also terminates the process.
func NewSession(ctx context.Context, cancel context.CancelFunc, proxyID, workspace string, agent AgentTransport, log *logger.Logger) *Session {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Session{
		ProxyID:   proxyID,
		Workspace: workspace,
		agent:     agent,
		pending:   NewPendingRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
}

// AgentID returns the agent-assigned session id, or "" before the
// handshake completes.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// SetAgentID records the agent-assigned session id. Called exactly once,
// after the agent-side session/new handshake.
func (s *Session) SetAgentID(id string) {
	s.mu.Lock()
	s.agentID = id
	s.mu.Unlock()
}

// WriteToAgent serializes the envelope and writes it as one line to the
// agent's stdin. Writes after the agent has exited are dropped silently:
// the process is already gone and there is nobody left to tell.
func (s *Session) WriteToAgent(env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.agent.Send(string(data)); err != nil {
		if errors.Is(err, spawn.ErrAgentExited) {
			s.log.Debug("dropping write to exited agent: %s", env.Method)
			return nil
		}
		return err
	}
	return nil
}

// SendAndWait sends a request to the agent and waits for its response,
// racing the agent's exit and the timeout. Used for the handshake requests
// the proxy issues on its own behalf.
func (s *Session) SendAndWait(req *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	return s.pending.SendAndWait(s.ctx, req, timeout, s.WriteToAgent, s.agent.Exited())
}

// CompletePending resolves a pending request matching the response's id and
// reports whether one existed. Called by the output pump; matched responses
// were proxy-internal and are not forwarded.
func (s *Session) CompletePending(resp *wire.Envelope) bool {
	return s.pending.Complete(resp.ID, resp)
}

// Done is closed when the session has been cancelled.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close tears the session down: outstanding requests resolve as cancelled,
// the agent's stdin closes, and the transport's context is cancelled (which
// kills the process for real transports). An agent that still has not
// exited after the grace period is killed outright. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.pending.CancelAll()
		s.agent.CloseInput()
		s.cancel()
		go func() {
			timer := time.NewTimer(killGracePeriod)
			defer timer.Stop()
			select {
			case <-s.agent.Exited():
			case <-timer.C:
				s.log.Warn("agent still running after close, killing")
				s.agent.Kill()
			}
		}()
	})
}
