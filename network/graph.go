// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeLink is the firewall policy of one node. It is one of Full,
// Isolate or DropSome.
type NodeLink interface {
	nodeLink()
}

// Full accepts all input and output.
type Full struct{}

// Isolate drops all traffic except to and from the bridge address.
type Isolate struct{}

// DropSome accepts all traffic except the listed peers on INPUT.
type DropSome struct {
	Peers []string
}

func (Full) nodeLink()     {}
func (Isolate) nodeLink()  {}
func (DropSome) nodeLink() {}

// Graph maps node IPv4 addresses to their policy.
type Graph map[string]NodeLink

// Validate checks every node and peer is an IPv4 address, so nothing
// but an address can reach a rule line.
func (g Graph) Validate() error {
	var errs []error
	for ip, link := range g {
		if err := checkAddress(ip); err != nil {
			errs = append(errs, fmt.Errorf("node: %w", err))
			continue
		}
		switch link := link.(type) {
		case Full, Isolate:
		case DropSome:
			for _, peer := range link.Peers {
				if err := checkAddress(peer); err != nil {
					errs = append(errs, fmt.Errorf("node %s peer: %w", ip, err))
				}
			}
		case nil:
			errs = append(errs, fmt.Errorf("node %s has no policy", ip))
		default:
			errs = append(errs, fmt.Errorf("node %s has unknown policy %T", ip, link))
		}
	}
	return errors.Join(errs...)
}

func checkAddress(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", ip, err)
	}
	if !addr.Is4() {
		return fmt.Errorf("address %q is not IPv4", ip)
	}
	if addr.String() != ip {
		return fmt.Errorf("address %q is not in canonical form %q", ip, addr)
	}
	return nil
}

// LoadGraph reads a topology file:
//
//	nodes:
//	  172.18.0.1: full
//	  172.18.0.2: isolate
//	  172.18.0.3:
//	    drop: [172.18.0.1]
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading network graph: %w", err)
	}
	graph, err := ParseGraph(data)
	if err != nil {
		return nil, fmt.Errorf("network graph %s: %w", path, err)
	}
	return graph, nil
}

// ParseGraph decodes and validates a topology document.
func ParseGraph(data []byte) (Graph, error) {
	var document struct {
		Nodes map[string]linkNode `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	graph := make(Graph, len(document.Nodes))
	for ip, node := range document.Nodes {
		graph[ip] = node.link
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

// linkNode decodes "full", "isolate" or {drop: [peers]}.
type linkNode struct {
	link NodeLink
}

func (n *linkNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		switch value.Value {
		case "full":
			n.link = Full{}
		case "isolate":
			n.link = Isolate{}
		default:
			return fmt.Errorf("line %d: unknown policy %q", value.Line, value.Value)
		}
		return nil
	case yaml.MappingNode:
		var drop struct {
			Drop []string `yaml:"drop"`
		}
		if err := value.Decode(&drop); err != nil {
			return err
		}
		n.link = DropSome{Peers: drop.Drop}
		return nil
	default:
		return fmt.Errorf("line %d: policy must be full, isolate or {drop: [...]}", value.Line)
	}
}
