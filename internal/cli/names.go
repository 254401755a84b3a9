package cli

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/hcom-sh/hcom/internal/store"
)

// namePool holds short, pronounceable instance names. A tag prefixes
// the picked name (api-luna), which is what tag routing keys on.
var namePool = []string{
	"luna", "kai", "nova", "kira", "milo", "iris", "remy", "vera",
	"otis", "wren", "juno", "ezra", "sage", "rune", "lila", "finn",
}

// pickName returns an unused instance name, trying the pool in random
// order and falling back to numeric suffixes when the pool is
// exhausted.
func pickName(st *store.Store, tag string) string {
	order := rand.Perm(len(namePool))
	for _, i := range order {
		candidate := withTag(tag, namePool[i])
		if nameFree(st, candidate) {
			return candidate
		}
	}
	for n := 2; ; n++ {
		candidate := withTag(tag, fmt.Sprintf("%s%d", namePool[order[0]], n))
		if nameFree(st, candidate) {
			return candidate
		}
	}
}

func withTag(tag, base string) string {
	if tag == "" {
		return base
	}
	return tag + "-" + base
}

func nameFree(st *store.Store, name string) bool {
	if _, err := st.GetInstance(name); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	if _, err := st.StoppedSnapshotLoad(name); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	return true
}

// validateName rejects names that would collide with routing or relay
// namespacing: "@" marks mentions, ":" marks remote rows, and a
// leading underscore is reserved for device-level pseudo-instances.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty instance name")
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("invalid name %q: leading underscore is reserved", name)
	}
	if strings.ContainsAny(name, ":@ \t\n") {
		return fmt.Errorf("invalid name %q: no colons, @, or whitespace", name)
	}
	return nil
}
