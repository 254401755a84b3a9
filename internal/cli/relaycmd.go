package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hcom-sh/hcom/internal/config"
	"github.com/hcom-sh/hcom/internal/device"
	"github.com/hcom-sh/hcom/internal/relay"
)

// brokerProbeTimeout bounds one broker reachability check from the CLI.
const brokerProbeTimeout = 3 * time.Second

func (a *App) runRelay(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hcom relay <new|connect|off|status>")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "new":
		return a.relayNew(rest)
	case "connect":
		return a.relayConnect(rest)
	case "off":
		return a.relayOff(rest)
	case "status":
		return a.relayStatus(rest)
	default:
		return fmt.Errorf("relay: unknown subcommand %q", sub)
	}
}

// relayNew creates a fresh relay group: generates the group id, pins a
// broker (fastest reachable public broker unless --broker), and prints
// the join token for other devices.
func (a *App) relayNew(args []string) error {
	var broker, password string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--broker" && i+1 < len(args):
			broker = args[i+1]
			i++
		case args[i] == "--password" && i+1 < len(args):
			password = args[i+1]
			i++
		default:
			return fmt.Errorf("relay new: unknown argument %q", args[i])
		}
	}

	// Leaving a group orphans its other members unless they keep the
	// old token; print it before switching.
	if a.cfg.Relay.ID != "" {
		if old, err := relay.EncodeJoinToken(a.cfg.Relay.ID, a.cfg.Relay.Broker); err == nil {
			fmt.Fprintf(a.stdout, "leaving relay group; previous join token: %s\n", old)
		}
	}

	if broker == "" {
		picked, err := a.pickBroker()
		if err != nil {
			return err
		}
		broker = picked
	} else if _, _, err := relay.BrokerHostPort(broker); err != nil {
		return err
	}

	relayID := uuid.NewString()
	a.cfg.Relay = config.RelayConfig{
		ID:       relayID,
		Enabled:  true,
		Broker:   broker,
		Password: password,
	}
	if err := config.Save(a.dir.Config(), a.cfg); err != nil {
		return err
	}

	token, err := relay.EncodeJoinToken(relayID, broker)
	if err != nil {
		return err
	}
	if handled, err := a.render(map[string]any{"token": token, "broker": broker}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "relay group created\nbroker: %s\njoin token: %s\n", broker, token)
	fmt.Fprintln(a.stdout, "on other devices: hcom relay connect "+token)
	fmt.Fprintln(a.stdout, "start syncing with: hcom daemon start")
	return nil
}

// relayConnect joins an existing group by token, or re-enables the
// configured group when called without one.
func (a *App) relayConnect(args []string) error {
	var token, password string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--password" && i+1 < len(args):
			password = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && token == "":
			token = args[i]
		default:
			return fmt.Errorf("relay connect: unknown argument %q", args[i])
		}
	}

	if token == "" {
		if a.cfg.Relay.ID == "" {
			return errors.New("no relay configured; run `hcom relay new` or pass a join token")
		}
		a.cfg.Relay.Enabled = true
		if password != "" {
			a.cfg.Relay.Password = password
		}
		if err := config.Save(a.dir.Config(), a.cfg); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "relay enabled")
		return nil
	}

	relayID, broker, err := relay.DecodeJoinToken(token)
	if err != nil {
		return err
	}
	if a.cfg.Relay.ID != "" && a.cfg.Relay.ID != relayID {
		if old, err := relay.EncodeJoinToken(a.cfg.Relay.ID, a.cfg.Relay.Broker); err == nil {
			fmt.Fprintf(a.stdout, "leaving relay group; previous join token: %s\n", old)
		}
	}

	a.cfg.Relay = config.RelayConfig{
		ID:       relayID,
		Enabled:  true,
		Broker:   broker,
		Password: password,
	}
	if err := config.Save(a.dir.Config(), a.cfg); err != nil {
		return err
	}
	if handled, err := a.render(map[string]any{"relay_id": relayID, "broker": broker}); handled {
		return err
	}
	fmt.Fprintf(a.stdout, "joined relay group (broker %s)\nstart syncing with: hcom daemon start\n", broker)
	return nil
}

// relayOff clears this device's retained broker state so peers stop
// seeing its instances, then disables the relay locally. The local
// disable holds even when the publish fails.
func (a *App) relayOff(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("relay off: unknown argument %q", args[0])
	}
	if a.cfg.Relay.ID == "" {
		return errors.New("relay not configured")
	}

	opts, err := a.relayOptions()
	if err == nil {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		err = relay.ClearRetainedOneShot(ctx, opts, a.logger)
		cancel()
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "warning: could not clear retained broker state: %v\n", err)
	}

	a.cfg.Relay.Enabled = false
	if saveErr := config.Save(a.dir.Config(), a.cfg); saveErr != nil {
		return saveErr
	}
	relay.SetStatusUnowned(a.st, relay.StatusDisabled)
	fmt.Fprintln(a.stdout, "relay disabled")
	return nil
}

// relayStatus reports configuration, daemon liveness, broker
// reachability, sync floors, and the peer device list.
func (a *App) relayStatus(args []string) error {
	var showQR bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--qr":
			showQR = true
		default:
			return fmt.Errorf("relay status: unknown argument %q", args[i])
		}
	}

	status, err := relay.CurrentStatus(a.st)
	if err != nil {
		return err
	}

	var token string
	if a.cfg.Relay.ID != "" {
		token, _ = relay.EncodeJoinToken(a.cfg.Relay.ID, a.cfg.Relay.Broker)
	}

	latency := time.Duration(-1)
	if a.cfg.Relay.Broker != "" {
		if host, port, err := relay.BrokerHostPort(a.cfg.Relay.Broker); err == nil {
			latency = relay.ProbeBroker(host, port, brokerProbeTimeout)
		}
	}

	shortID, _ := device.ShortID(a.dir)

	if a.format != formatText {
		report := map[string]any{
			"configured": a.cfg.Relay.ID != "",
			"enabled":    a.cfg.Relay.Enabled,
			"broker":     a.cfg.Relay.Broker,
			"device":     shortID,
			"token":      token,
			"status":     status,
		}
		if latency >= 0 {
			report["broker_latency_ms"] = latency.Milliseconds()
		}
		_, err := a.render(report)
		return err
	}

	if a.cfg.Relay.ID == "" {
		fmt.Fprintln(a.stdout, "relay: not configured (run `hcom relay new`)")
		return nil
	}
	enabled := "enabled"
	if !a.cfg.Relay.Enabled {
		enabled = "disabled"
	}
	fmt.Fprintf(a.stdout, "relay: %s (%s)\n", status.State, enabled)
	if status.LastError != "" {
		fmt.Fprintf(a.stdout, "last error: %s\n", status.LastError)
	}
	if latency >= 0 {
		fmt.Fprintf(a.stdout, "broker: %s (%dms)\n", a.cfg.Relay.Broker, latency.Milliseconds())
	} else {
		fmt.Fprintf(a.stdout, "broker: %s (unreachable)\n", a.cfg.Relay.Broker)
	}
	fmt.Fprintf(a.stdout, "device: %s\n", shortID)
	fmt.Fprintf(a.stdout, "daemon: %v\n", status.Daemon)
	fmt.Fprintf(a.stdout, "queued: %d events, last push %s\n", status.Unpushed, relay.FormatAge(status.LastPush))
	for _, d := range status.Devices {
		fmt.Fprintf(a.stdout, "peer %s: %d instances, synced %s\n",
			d.ShortID, d.Instances, relay.FormatAge(d.LastSync))
	}
	fmt.Fprintf(a.stdout, "join token: %s\n", token)

	if showQR {
		qr, err := relay.TokenQR(token)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, qr)
	}
	return nil
}

// pickBroker probes the public broker table in parallel and returns
// the fastest reachable one.
func (a *App) pickBroker() (string, error) {
	results := relay.ProbeAll(a.ctx, relay.DefaultBrokers, brokerProbeTimeout)
	best := -1
	for i, r := range results {
		if r.Latency < 0 {
			continue
		}
		if best < 0 || r.Latency < results[best].Latency {
			best = i
		}
	}
	if best < 0 {
		return "", errors.New("no public broker reachable; pin one with --broker mqtts://host:port")
	}
	return results[best].Broker.URL(), nil
}

// relayOptions assembles the device-scoped MQTT options used by
// ephemeral CLI publishes.
func (a *App) relayOptions() (relay.Options, error) {
	devUUID, err := device.UUID(a.dir)
	if err != nil {
		return relay.Options{}, err
	}
	shortID, err := device.ShortID(a.dir)
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		RelayID:    a.cfg.Relay.ID,
		BrokerURL:  a.cfg.Relay.Broker,
		Password:   a.cfg.Relay.Password,
		DeviceUUID: devUUID,
		ShortID:    shortID,
	}, nil
}
