// Package identity resolves who is invoking a command: a registered
// instance (via explicit --name, environment marker, or the session
// binding written at hook time) or an external operator. Commands that
// write to the bus require an instance identity; everything else works
// without one.
package identity

import (
	"errors"
	"fmt"
	"os"

	"github.com/hcom-sh/hcom/internal/store"
)

// Identity kinds.
const (
	KindInstance = "instance"
	KindExternal = "external"
)

// Environment markers set by the launcher for spawned child tools.
const (
	EnvName    = "HCOM_NAME"
	EnvSession = "HCOM_SESSION_ID"
)

// ErrNoIdentity is returned when a command needs a registered instance
// but none could be resolved.
var ErrNoIdentity = errors.New("no registered identity; start an instance or pass --name")

// Identity is the resolved caller.
type Identity struct {
	Kind     string
	Name     string
	Instance *store.Instance
}

// IsInstance reports whether the caller is a registered instance.
func (id *Identity) IsInstance() bool {
	return id.Kind == KindInstance && id.Instance != nil
}

// Resolve determines the caller's identity. Precedence: explicit name,
// HCOM_NAME, then the session binding for HCOM_SESSION_ID. An explicit
// name that is not in the roster is an error; ambient markers that
// fail to resolve fall through to external.
func Resolve(st *store.Store, explicitName string) (*Identity, error) {
	if explicitName != "" {
		inst, err := st.GetInstance(explicitName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("--name %s: not in roster", explicitName)
			}
			return nil, err
		}
		return &Identity{Kind: KindInstance, Name: inst.Name, Instance: inst}, nil
	}

	if name := os.Getenv(EnvName); name != "" {
		if inst, err := st.GetInstance(name); err == nil {
			return &Identity{Kind: KindInstance, Name: inst.Name, Instance: inst}, nil
		}
	}

	if sessionID := os.Getenv(EnvSession); sessionID != "" {
		if inst, err := FromSession(st, sessionID); err == nil {
			return &Identity{Kind: KindInstance, Name: inst.Name, Instance: inst}, nil
		}
	}

	return &Identity{Kind: KindExternal, Name: "operator"}, nil
}

// Require resolves and insists on an instance identity.
func Require(st *store.Store, explicitName string) (*Identity, error) {
	id, err := Resolve(st, explicitName)
	if err != nil {
		return nil, err
	}
	if !id.IsInstance() {
		return nil, ErrNoIdentity
	}
	return id, nil
}

// BindSession records the session → instance mapping used by hooks to
// find their instance, and stamps the session id on the roster row.
func BindSession(st *store.Store, sessionID, name string) error {
	if err := st.KVSet(store.PrefixSession+sessionID, name); err != nil {
		return err
	}
	return st.UpdateInstance(name, map[string]any{"session_id": sessionID})
}

// FromSession resolves a roster row from a tool-side session id. The
// KV binding is authoritative; the session_id column covers bindings
// made before the KV write landed.
func FromSession(st *store.Store, sessionID string) (*store.Instance, error) {
	if name, err := st.KVGet(store.PrefixSession + sessionID); err == nil && name != "" {
		if inst, err := st.GetInstance(name); err == nil {
			return inst, nil
		}
	}
	return st.InstanceBySession(sessionID)
}

// UnbindSession drops the KV mapping at session end. The roster row
// keeps its session_id for diagnostics until the next session rebinds.
func UnbindSession(st *store.Store, sessionID string) error {
	return st.KVDelete(store.PrefixSession + sessionID)
}
