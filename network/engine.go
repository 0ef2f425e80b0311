// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrNamespace is returned when a node's namespace cannot be
	// entered.
	ErrNamespace = errors.New("cannot enter network namespace")

	// ErrRuleLoader is returned when the rule loader fails to start or
	// exits non-zero.
	ErrRuleLoader = errors.New("rule loader failed")
)

// NamespaceEnterer runs fn inside the network namespace at path.
type NamespaceEnterer interface {
	Enter(path string, fn func() error) error
}

// RuleLoader installs an iptables-restore script in the current
// network namespace.
type RuleLoader interface {
	Load(ctx context.Context, script []byte) error
}

// Engine applies graphs.
type Engine struct {
	// NamespaceDir holds one namespace handle per node, net.<ip>.
	NamespaceDir string

	// BridgeAddress is the address isolated nodes may talk to.
	BridgeAddress string

	Enterer NamespaceEnterer
	Loader  RuleLoader
	Logger  *slog.Logger
}

// NewEngine returns an engine that enters namespaces with NetnsEnterer
// and loads rules with iptables-restore.
func NewEngine(namespaceDir, bridgeAddress string) *Engine {
	return &Engine{
		NamespaceDir:  namespaceDir,
		BridgeAddress: bridgeAddress,
		Enterer:       NetnsEnterer{},
		Loader:        &CommandLoader{},
	}
}

// NamespacePath returns the namespace handle of the node at ip.
func (e *Engine) NamespacePath(ip string) string {
	return filepath.Join(e.NamespaceDir, "net."+ip)
}

// Apply installs every node's policy, in address order. It stops at the
// first failing node; earlier nodes keep their new rules.
func (e *Engine) Apply(ctx context.Context, graph Graph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	if err := checkAddress(e.BridgeAddress); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	for _, ip := range slices.Sorted(maps.Keys(graph)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyNode(ctx, ip, graph[ip]); err != nil {
			return fmt.Errorf("applying firewall to node %s: %w", ip, err)
		}
	}
	return nil
}

func (e *Engine) applyNode(ctx context.Context, ip string, link NodeLink) error {
	logger := e.logger().With("node", ip)
	script := Script(ip, link, e.BridgeAddress)
	for _, rule := range strings.Split(strings.TrimSuffix(string(script), "\n"), "\n") {
		logger.Debug("firewall rule", "rule", rule)
	}

	path := e.NamespacePath(ip)
	loaded := false
	err := e.Enterer.Enter(path, func() error {
		loaded = true
		return e.Loader.Load(ctx, script)
	})
	if err != nil && !loaded {
		return fmt.Errorf("%w %s: %w", ErrNamespace, path, err)
	}
	if err != nil {
		return err
	}
	logger.Info("firewall applied", "policy", policyName(link))
	return nil
}

func policyName(link NodeLink) string {
	switch link := link.(type) {
	case Isolate:
		return "isolate"
	case DropSome:
		return fmt.Sprintf("drop %d peers", len(link.Peers))
	default:
		return "full"
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
