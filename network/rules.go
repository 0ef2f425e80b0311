// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"bytes"
	"fmt"
)

// Rules returns the filter table lines for one node, without the
// *filter header and COMMIT trailer.
func Rules(ip string, link NodeLink, bridge string) []string {
	switch link := link.(type) {
	case Isolate:
		return []string{
			":INPUT DROP [0:0]",
			":FORWARD DROP [0:0]",
			":OUTPUT DROP [0:0]",
			fmt.Sprintf("-A INPUT -s %s/32 -j ACCEPT", bridge),
			fmt.Sprintf("-A OUTPUT -d %s/32 -j ACCEPT", bridge),
		}
	case DropSome:
		rules := []string{
			":INPUT ACCEPT [0:0]",
			":FORWARD DROP [0:0]",
			":OUTPUT ACCEPT [0:0]",
		}
		// INPUT only: the node can still send to its peers.
		for _, peer := range link.Peers {
			rules = append(rules, fmt.Sprintf("-A INPUT -s %s/32 -d %s/32 -j DROP", ip, peer))
		}
		return rules
	default:
		return []string{
			":INPUT ACCEPT [0:0]",
			":FORWARD DROP [0:0]",
			":OUTPUT ACCEPT [0:0]",
		}
	}
}

// Script renders the iptables-restore input for one node.
func Script(ip string, link NodeLink, bridge string) []byte {
	var script bytes.Buffer
	script.WriteString("*filter\n")
	for _, rule := range Rules(ip, link, bridge) {
		script.WriteString(rule)
		script.WriteByte('\n')
	}
	script.WriteString("COMMIT\n")
	return script.Bytes()
}
