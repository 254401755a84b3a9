package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hcom-sh/hcom/internal/store"
)

// Relay status values surfaced through KV for `relay status`.
const (
	StatusConnecting = "connecting"
	StatusConnected  = "connected"
	StatusError      = "error"
	StatusDisabled   = "disabled"
)

// publishTimeout bounds one QoS 1 publish including the broker ack.
const publishTimeout = 5 * time.Second

// Options pins one relay client to a group, broker, and device
// identity.
type Options struct {
	RelayID    string
	BrokerURL  string
	Password   string
	DeviceUUID string
	ShortID    string
}

// Client owns the durable MQTT connection. The daemon holds exactly
// one; CLI processes use PublishOneShot instead.
type Client struct {
	opts     Options
	st       *store.Store
	importer *Importer
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Client but does not connect; call [Client.Start].
func New(st *store.Store, opts Options, importer *Importer, logger *slog.Logger) *Client {
	return &Client{opts: opts, st: st, importer: importer, logger: logger}
}

func (c *Client) stateTopic() string {
	return c.opts.RelayID + "/" + c.opts.DeviceUUID
}

func (c *Client) controlTopic() string {
	return c.opts.RelayID + "/control"
}

func (c *Client) wildcardTopic() string {
	return c.opts.RelayID + "/+"
}

// Start connects and maintains the subscription until ctx is
// cancelled. On every (re-)connect it resubscribes to the group
// wildcard and pushes the current state; the broker's retained
// messages replay every peer's snapshot to us in turn. On shutdown it
// publishes the empty retained "device gone" payload.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	c.setStatus(StatusConnecting, "")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:  c.stateTopic(),
			QoS:    1,
			Retain: true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("relay connected", "broker", c.opts.BrokerURL)
			subCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			_, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.wildcardTopic(), QoS: 1}},
			})
			if err != nil {
				c.logger.Warn("relay subscribe failed", "error", err)
				c.setStatus(StatusError, err.Error())
				return
			}
			c.setStatus(StatusConnected, "")
			if _, err := c.Push(ctx); err != nil {
				c.logger.Warn("relay initial push failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("relay connection error", "error", err)
			c.setStatus(StatusError, err.Error())
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hcom-" + c.opts.ShortID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.importer.HandleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if c.opts.Password != "" {
		pahoCfg.ConnectUsername = "hcom"
		pahoCfg.ConnectPassword = []byte(c.opts.Password)
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("relay connect: %w", err)
	}
	c.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(connCtx)
	connCancel()
	if err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("relay initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()

	// Announce departure with a bounded, detached context; ctx is
	// already cancelled.
	offCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.clearRetained(offCtx); err != nil {
		c.logger.Warn("relay device-gone publish failed", "error", err)
	}
	cm.Disconnect(offCtx)
	c.setStatus(StatusDisabled, "")
	return nil
}

// Push publishes the state snapshot plus unpushed event tail as the
// retained message on this device's topic. Returns hasMore when the
// tail was capped; the caller should push again immediately.
func (c *Client) Push(ctx context.Context) (bool, error) {
	if c.cm == nil {
		return false, fmt.Errorf("relay not connected")
	}
	payload, maxID, hasMore, err := BuildPushPayload(c.st, c.opts.ShortID)
	if err != nil {
		return false, err
	}
	raw, err := payload.Marshal()
	if err != nil {
		return false, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = c.cm.Publish(pubCtx, &paho.Publish{
		Topic:   c.stateTopic(),
		QoS:     1,
		Retain:  true,
		Payload: raw,
	})
	if err != nil {
		c.setStatus(StatusError, err.Error())
		return false, fmt.Errorf("relay push: %w", err)
	}

	c.st.KVSet(store.KeyRelayLastPush, store.FormatEpoch(epochNow()))
	c.st.KVSet(store.KeyRelayLastPushID, strconv.FormatInt(maxID, 10))
	c.setStatus(StatusConnected, "")
	c.logger.Debug("relay pushed",
		"events", len(payload.Events), "instances", len(payload.State.Instances),
		"max_id", maxID, "has_more", hasMore)
	return hasMore, nil
}

// SendControl publishes a control action for an instance on another
// device, addressed by that device's short id.
func (c *Client) SendControl(ctx context.Context, action, target, targetShort string) error {
	raw, err := controlPayload(c.opts.DeviceUUID, c.opts.ShortID, action, target, targetShort)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = c.cm.Publish(pubCtx, &paho.Publish{
		Topic:   c.controlTopic(),
		QoS:     1,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("relay control %s: %w", action, err)
	}
	c.logger.Info("relay control sent", "action", action, "target", target+":"+targetShort)
	return nil
}

func (c *Client) clearRetained(ctx context.Context) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:  c.stateTopic(),
		QoS:    1,
		Retain: true,
	})
	return err
}

// setStatus records connection state in KV. The write is pid-owned:
// other processes defer to a live daemon's status via
// [SetStatusUnowned].
func (c *Client) setStatus(status, errMsg string) {
	c.st.KVSet(store.KeyRelayStatus, status)
	c.st.KVSet(store.KeyRelayStatusOwn, strconv.Itoa(os.Getpid()))
	if errMsg != "" {
		c.st.KVSet(store.KeyRelayLastError, errMsg)
	} else if status == StatusConnected {
		c.st.KVDelete(store.KeyRelayLastError)
	}
}

func controlPayload(deviceUUID, shortID, action, target, targetShort string) ([]byte, error) {
	payload := map[string]any{
		"from_device": deviceUUID,
		"events": []map[string]any{{
			"ts":       epochNow(),
			"type":     store.TypeControl,
			"instance": "_control",
			"data": map[string]any{
				"action":        action,
				"target":        target,
				"target_device": targetShort,
				"from":          "_:" + shortID,
				"from_device":   deviceUUID,
			},
		}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode control payload: %w", err)
	}
	return raw, nil
}

// PublishOneShot connects an ephemeral client, publishes a single
// message, and disconnects. CLI processes use this for control actions
// and for clearing retained state when the daemon is not running.
func PublishOneShot(ctx context.Context, opts Options, topic string, payload []byte, retain bool, logger *slog.Logger) error {
	brokerURL, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectError: func(err error) {
			logger.Debug("relay one-shot connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hcom-oneshot-" + opts.ShortID,
		},
	}
	if opts.Password != "" {
		pahoCfg.ConnectUsername = "hcom"
		pahoCfg.ConnectPassword = []byte(opts.Password)
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	connCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("relay one-shot connect: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		cm.Disconnect(dctx)
		dcancel()
	}()

	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("relay one-shot connect: %w", err)
	}
	_, err = cm.Publish(connCtx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("relay one-shot publish: %w", err)
	}
	return nil
}

// SendControlOneShot publishes a control action without a daemon.
func SendControlOneShot(ctx context.Context, opts Options, action, target, targetShort string, logger *slog.Logger) error {
	raw, err := controlPayload(opts.DeviceUUID, opts.ShortID, action, target, targetShort)
	if err != nil {
		return err
	}
	return PublishOneShot(ctx, opts, opts.RelayID+"/control", raw, false, logger)
}

// ClearRetainedOneShot publishes the empty retained device-gone
// payload. `relay off` uses this so peers drop our instances even when
// the daemon is already down.
func ClearRetainedOneShot(ctx context.Context, opts Options, logger *slog.Logger) error {
	return PublishOneShot(ctx, opts, opts.RelayID+"/"+opts.DeviceUUID, nil, true, logger)
}
