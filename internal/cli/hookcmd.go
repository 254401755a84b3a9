package cli

import (
	"fmt"

	"github.com/hcom-sh/hcom/internal/hook"
)

// runHook is the hook dispatch entry. The host tool pipes one JSON
// object to stdin; any output is injected into the agent's turn.
// Hook-path failures never fail the command: the agent must not be
// blocked by bus trouble.
func (a *App) runHook(args []string) error {
	event := ""
	if len(args) > 0 {
		event = args[0]
	}

	in, err := hook.ParseInput(a.stdin, event)
	if err != nil {
		a.logger.Warn("hook input rejected", "error", err)
		return nil
	}
	out, err := hook.New(a.st, a.logger).Dispatch(in)
	if err != nil {
		a.logger.Warn("hook dispatch failed", "event", in.HookEventName, "error", err)
		return nil
	}
	if out != "" {
		fmt.Fprint(a.stdout, out)
	}
	return nil
}
