// Package relay replicates the local event log and roster across
// devices over MQTT. Each device publishes a retained state snapshot
// plus an event tail on its own topic and imports every other device's
// topic, namespacing foreign instances with the source device's short
// id.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// Broker is one public broker candidate.
type Broker struct {
	Host string
	Port int
}

// DefaultBrokers is the built-in public broker table. Order matters:
// join tokens of version 1 reference brokers by index.
var DefaultBrokers = []Broker{
	{"broker.emqx.io", 8883},
	{"broker.hivemq.com", 8883},
	{"test.mosquitto.org", 8886},
}

// URL renders the broker as a pinnable mqtts URL.
func (b Broker) URL() string {
	return fmt.Sprintf("mqtts://%s:%d", b.Host, b.Port)
}

// BrokerHostPort extracts host and port from a broker URL. The port
// defaults by scheme: 8883 for mqtts, 1883 otherwise.
func BrokerHostPort(brokerURL string) (string, int, error) {
	u, err := url.Parse(brokerURL)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("bad broker url %q", brokerURL)
	}
	port := 1883
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		port = 8883
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad broker port %q", p)
		}
		port = n
	}
	return u.Hostname(), port, nil
}

// IsPublicBroker reports whether the URL points at one of the built-in
// public brokers.
func IsPublicBroker(brokerURL string) bool {
	for _, b := range DefaultBrokers {
		if brokerURL == b.URL() || brokerURL == fmt.Sprintf("mqtt://%s:%d", b.Host, b.Port) {
			return true
		}
	}
	return false
}

// ProbeBroker measures TCP connect latency to a broker. Returns -1
// when unreachable.
func ProbeBroker(host string, port int, timeout time.Duration) time.Duration {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return -1
	}
	conn.Close()
	return time.Since(start)
}

// ProbeResult is one broker's measured latency, -1 when unreachable.
type ProbeResult struct {
	Broker  Broker
	Latency time.Duration
}

// ProbeAll tests every candidate in parallel and returns results in
// table order. `relay new` picks the first reachable one.
func ProbeAll(ctx context.Context, brokers []Broker, timeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, len(brokers))
	g, _ := errgroup.WithContext(ctx)
	for i, b := range brokers {
		i, b := i, b
		g.Go(func() error {
			results[i] = ProbeResult{Broker: b, Latency: ProbeBroker(b.Host, b.Port, timeout)}
			return nil
		})
	}
	g.Wait()
	return results
}
