package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hcom-sh/hcom/internal/delivery"
	"github.com/hcom-sh/hcom/internal/identity"
	"github.com/hcom-sh/hcom/internal/relay"
	"github.com/hcom-sh/hcom/internal/status"
	"github.com/hcom-sh/hcom/internal/wake"
)

// pollInterval bounds one wake wait inside a listen loop. The wake
// ping is a hint; the poll guarantees delivery without it.
const pollInterval = 10 * time.Second

func (a *App) runSend(args []string) error {
	var opts delivery.SendOptions
	var file, rawB64 string
	var parts []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--intent" && i+1 < len(args):
			opts.Intent = args[i+1]
			i++
		case args[i] == "--thread" && i+1 < len(args):
			opts.Thread = args[i+1]
			i++
		case args[i] == "--reply-to" && i+1 < len(args):
			id, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("send: bad --reply-to %q", args[i+1])
			}
			opts.ReplyTo = id
			i++
		case args[i] == "--to" && i+1 < len(args):
			opts.Recipients = append(opts.Recipients, args[i+1])
			i++
		case args[i] == "--strict":
			opts.Strict = true
		case args[i] == "--file" && i+1 < len(args):
			file = args[i+1]
			i++
		case args[i] == "--base64" && i+1 < len(args):
			rawB64 = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--"):
			return fmt.Errorf("send: unknown flag %q", args[i])
		default:
			parts = append(parts, args[i])
		}
	}
	text := strings.Join(parts, " ")
	if text == "" && file == "" && rawB64 == "" {
		return errors.New("usage: hcom send [flags] TEXT")
	}

	id, err := identity.Require(a.st, a.name)
	if err != nil {
		return err
	}

	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		opts.Attachment = map[string]any{
			"name": filepath.Base(file),
			"data": base64.StdEncoding.EncodeToString(data),
		}
	case rawB64 != "":
		if _, err := base64.StdEncoding.DecodeString(rawB64); err != nil {
			return fmt.Errorf("send: bad --base64 payload: %w", err)
		}
		opts.Attachment = map[string]any{"name": "attachment", "data": rawB64}
	}

	res, err := delivery.Send(a.st, id.Name, text, opts, a.logger)
	if err != nil {
		return err
	}
	relay.NotifyDaemon(a.st)

	if handled, err := a.render(map[string]any{
		"event_id":   res.EventID,
		"recipients": res.Mentions,
	}); handled {
		return err
	}
	if len(res.Mentions) == 0 {
		fmt.Fprintf(a.stdout, "sent #%d (0 recipients)\n", res.EventID)
	} else {
		fmt.Fprintf(a.stdout, "sent #%d to %s\n", res.EventID, strings.Join(res.Mentions, ", "))
	}
	a.flushPending(id.Instance)
	return nil
}

// runListen blocks until a message is delivered or the timeout
// elapses. Timeout with nothing pending exits 0 with empty output.
func (a *App) runListen(args []string) error {
	timeout := 0
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--timeout" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("listen: bad --timeout %q", args[i+1])
			}
			timeout = n
			i++
		default:
			return fmt.Errorf("listen: unknown argument %q", args[i])
		}
	}

	id, err := identity.Require(a.st, a.name)
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = id.Instance.WaitTimeout
		if timeout == 0 {
			timeout = a.cfg.WaitTimeout
		}
	}

	// Drain anything already pending before blocking.
	batch, err := delivery.Deliver(a.st, id.Name, true, a.logger)
	if err != nil {
		return err
	}
	if !batch.Empty() {
		return a.printBatch(id.Name, batch)
	}

	if err := status.Idle(a.st, id.Name, a.logger); err != nil {
		return err
	}
	l, err := wake.NewListener(a.st, id.Name)
	if err != nil {
		return err
	}
	defer l.Close()

	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || a.ctx.Err() != nil {
			return nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		l.Wait(a.ctx, wait)

		batch, err := delivery.Deliver(a.st, id.Name, true, a.logger)
		if err != nil {
			return err
		}
		if !batch.Empty() {
			return a.printBatch(id.Name, batch)
		}
	}
}

func (a *App) printBatch(name string, batch *delivery.Batch) error {
	if handled, err := a.render(batch.Events); handled {
		return err
	}
	fmt.Fprintln(a.stdout, delivery.FormatBatch(a.st, name, batch))
	return nil
}
