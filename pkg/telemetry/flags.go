// Validation for signal and protocol settings and collector reachability
// Mirrors the command-line surface so errors read the same from flags, config or env
package telemetry

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// Signal names accepted by ParseSignals.
const (
	SignalTraces  = "traces"
	SignalMetrics = "metrics"
	SignalLogs    = "logs"
)

// OTLP protocols accepted by ValidateProtocol.
const (
	ProtocolHTTP = "http/protobuf"
	ProtocolGRPC = "grpc"
)

const (
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

var validSignals = map[string]bool{
	SignalTraces:  true,
	SignalMetrics: true,
	SignalLogs:    true,
}

var validProtocols = map[string]bool{
	ProtocolHTTP: true,
	ProtocolGRPC: true,
}

// ValidateProtocol rejects protocols other than http/protobuf and grpc.
func ValidateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

// ParseSignals parses a comma-separated signal list such as "traces,logs".
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// SignalNames returns the enabled signals in sorted order.
func SignalNames(set map[string]bool) []string {
	var names []string
	for name, on := range set {
		if on {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// CheckEndpoint dials the collector so a missing collector fails before any task runs.
// An empty endpoint checks the protocol's default local port.
func CheckEndpoint(endpoint, protocol, taskfile string) error {
	port := defaultHTTPPort
	if protocol == ProtocolGRPC {
		port = defaultGRPCPort
	}
	host := endpoint
	if host == "" {
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To print spans as JSON to the terminal, use --stdout:\n"+
			"  runtrace run --stdout %s\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  runtrace run --endpoint collector.example.com:4318 %s", host, taskfile, taskfile)
	}
	_ = conn.Close()
	return nil
}
