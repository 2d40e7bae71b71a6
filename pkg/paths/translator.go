// Package paths rewrites workspace paths between the host filesystem and the
// fixed workspace root inside the agent container. Translation only happens
// during the session handshake; everything else passes through untouched.
package paths

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/containai/acp-proxy/pkg/wire"
)

// DefaultContainerRoot is where the host workspace is mounted inside the
// agent container.
const DefaultContainerRoot = "/home/agent/workspace"

// Translator maps paths under a host workspace root onto the container
// workspace root and back. It is stateless beyond the two roots and never
// fails: paths it cannot translate are returned unchanged.
type Translator struct {
	hostRoot      string
	containerRoot string
}

// NewTranslator builds a translator for the given roots. An empty
// containerRoot selects DefaultContainerRoot.
func NewTranslator(hostRoot, containerRoot string) *Translator {
	if containerRoot == "" {
		containerRoot = DefaultContainerRoot
	}
	return &Translator{
		hostRoot:      trimTrailingSeparators(filepath.Clean(hostRoot)),
		containerRoot: strings.TrimRight(containerRoot, "/"),
	}
}

// HostRoot returns the configured host workspace root.
func (t *Translator) HostRoot() string {
	return t.hostRoot
}

// ContainerRoot returns the configured container workspace root.
func (t *Translator) ContainerRoot() string {
	return t.containerRoot
}

// ToContainer rewrites an absolute host path under the host root into the
// container namespace. Relative paths and paths outside the root come back
// unchanged.
func (t *Translator) ToContainer(path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	cleaned := trimTrailingSeparators(filepath.Clean(path))
	if cleaned == t.hostRoot {
		return t.containerRoot
	}
	prefix := t.hostRoot + string(filepath.Separator)
	if !strings.HasPrefix(cleaned, prefix) {
		return path
	}
	rel := filepath.ToSlash(cleaned[len(prefix):])
	return t.containerRoot + "/" + rel
}

// ToHost is the mirror of ToContainer for container paths coming back from
// the agent.
func (t *Translator) ToHost(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") {
		return path
	}
	cleaned := strings.TrimRight(path, "/")
	if cleaned == "" {
		cleaned = "/"
	}
	if cleaned == t.containerRoot {
		return t.hostRoot
	}
	prefix := t.containerRoot + "/"
	if !strings.HasPrefix(cleaned, prefix) {
		return path
	}
	rel := filepath.FromSlash(cleaned[len(prefix):])
	return filepath.Join(t.hostRoot, rel)
}

// TranslateMCPServers rewrites the string elements of each server's "args"
// array via ToContainer. The payload may be an object keyed by server name
// or an array of server objects; anything else is returned verbatim.
func (t *Translator) TranslateMCPServers(value wire.Payload) wire.Payload {
	switch {
	case value.IsObject():
		var servers map[string]json.RawMessage
		if err := json.Unmarshal(value, &servers); err != nil {
			return value
		}
		for name, raw := range servers {
			servers[name] = t.translateServer(raw)
		}
		out, err := json.Marshal(servers)
		if err != nil {
			return value
		}
		return wire.Payload(out)
	case value.IsArray():
		var servers []json.RawMessage
		if err := json.Unmarshal(value, &servers); err != nil {
			return value
		}
		for i, raw := range servers {
			servers[i] = t.translateServer(raw)
		}
		out, err := json.Marshal(servers)
		if err != nil {
			return value
		}
		return wire.Payload(out)
	default:
		return value
	}
}

func (t *Translator) translateServer(raw json.RawMessage) json.RawMessage {
	var server map[string]json.RawMessage
	if err := json.Unmarshal(raw, &server); err != nil {
		return raw
	}
	argsRaw, ok := server["args"]
	if !ok {
		return raw
	}
	var args []json.RawMessage
	if err := json.Unmarshal(argsRaw, &args); err != nil {
		return raw
	}
	for i, arg := range args {
		var s string
		if err := json.Unmarshal(arg, &s); err != nil {
			continue
		}
		rewritten, err := json.Marshal(t.ToContainer(s))
		if err != nil {
			continue
		}
		args[i] = rewritten
	}
	newArgs, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	server["args"] = newArgs
	out, err := json.Marshal(server)
	if err != nil {
		return raw
	}
	return out
}

func trimTrailingSeparators(p string) string {
	for len(p) > 1 && (p[len(p)-1] == '/' || p[len(p)-1] == filepath.Separator) {
		p = p[:len(p)-1]
	}
	return p
}
