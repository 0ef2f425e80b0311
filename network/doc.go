// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package network renders and applies per-node firewall policy.
//
// A [Graph] assigns each node, keyed by its IPv4 address, one
// [NodeLink] policy: [Full] leaves the node open, [Isolate] drops
// everything except traffic with the bridge address, and [DropSome]
// drops packets between the node and a set of peers on INPUT.
// Forwarding is dropped under every policy; nodes never route between
// nested networks.
//
// [Script] renders a policy as an iptables-restore script. An [Engine]
// applies a whole graph node by node: it enters the node's network
// namespace (<dir>/net.<ip>) and feeds the script to a [RuleLoader]
// there. The first failure aborts the apply; nodes already configured
// stay configured.
package network
