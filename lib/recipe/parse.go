// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// recipeFile is the on-disk shape of a recipe.
type recipeFile struct {
	Containers map[string]containerFile `yaml:"containers"`
}

type containerFile struct {
	Setup []stepNode `yaml:"setup"`
}

// stepNode decodes one entry of a setup list.
type stepNode struct {
	step Step
}

// Parse decodes a YAML recipe.
func Parse(data []byte) (*Graph, error) {
	var file recipeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing recipe: %w", err)
	}

	graph := &Graph{Containers: make(map[string]*Container, len(file.Containers))}
	for name, container := range file.Containers {
		setup := make([]Step, 0, len(container.Setup))
		for _, node := range container.Setup {
			setup = append(setup, node.step)
		}
		graph.Containers[name] = &Container{Name: name, Setup: setup}
	}
	return graph, nil
}

// ParseJSONC decodes a JSONC recipe (JSON with comments and trailing
// commas).
func ParseJSONC(data []byte) (*Graph, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, jsonc.ToJSON(data)); err != nil {
		return nil, fmt.Errorf("parsing recipe: %w", err)
	}
	return Parse(compact.Bytes())
}

// ReadFile reads and decodes a recipe file. Files ending in .json or
// .jsonc are parsed as JSONC, everything else as YAML.
func ReadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}

	var graph *Graph
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		graph, err = ParseJSONC(data)
	default:
		graph, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	graph.Path = path
	return graph, nil
}

// FileReader loads recipe graphs from the filesystem.
type FileReader struct{}

// ReadRecipe implements the cache-key engine's recipe reader.
func (FileReader) ReadRecipe(path string) (*Graph, error) {
	return ReadFile(path)
}

// variant splits a tagged or single-key-mapping node into its tag and
// payload. A bare scalar is a tag with no payload.
func variant(node *yaml.Node) (string, *yaml.Node, error) {
	if strings.HasPrefix(node.Tag, "!") && !strings.HasPrefix(node.Tag, "!!") {
		payload := *node
		payload.Tag = ""
		payload.Style &^= yaml.TaggedStyle
		return node.Tag[1:], &payload, nil
	}
	switch node.Kind {
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return "", nil, fmt.Errorf("line %d: expected a single-key mapping, got %d keys", node.Line, len(node.Content)/2)
		}
		return node.Content[0].Value, node.Content[1], nil
	case yaml.ScalarNode:
		return node.Value, nil, nil
	default:
		return "", nil, fmt.Errorf("line %d: expected a tagged value or single-key mapping", node.Line)
	}
}

// UnmarshalYAML decodes one build step.
func (s *stepNode) UnmarshalYAML(node *yaml.Node) error {
	kind, payload, err := variant(node)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("line %d: step %s has no value", node.Line, kind)
	}

	step, err := decodeStep(kind, payload)
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, kind, err)
	}
	s.step = step
	return nil
}

func decodeStep(kind string, payload *yaml.Node) (Step, error) {
	switch kind {
	case "Py2Requirements", "Py3Requirements", "NpmRequirements":
		var file string
		if err := payload.Decode(&file); err != nil {
			return nil, err
		}
		tool := strings.ToLower(strings.TrimSuffix(kind, "Requirements"))
		return Requirements{Tool: tool, File: file}, nil
	case "Depends":
		var file string
		if err := payload.Decode(&file); err != nil {
			return nil, err
		}
		return Depends{File: file}, nil
	case "Container":
		var name string
		if err := payload.Decode(&name); err != nil {
			return nil, err
		}
		return ContainerRef{Name: name}, nil
	case "SubConfig":
		var sub SubRecipe
		if err := payload.Decode(&sub); err != nil {
			return nil, err
		}
		if sub.Source.Kind == "" {
			sub.Source.Kind = SourceDirectory
		}
		if sub.Container == "" {
			return nil, fmt.Errorf("container is required")
		}
		return sub, nil
	case "CacheDirs":
		var dirs CacheDirs
		if err := payload.Decode(&dirs); err != nil {
			return nil, err
		}
		return dirs, nil
	case "Text":
		var text Text
		if err := payload.Decode(&text); err != nil {
			return nil, err
		}
		return text, nil
	case "Env":
		var env Env
		if err := payload.Decode(&env); err != nil {
			return nil, err
		}
		return env, nil
	case "Sh":
		var script string
		if err := payload.Decode(&script); err != nil {
			return nil, err
		}
		return Sh(script), nil
	case "Cmd":
		var argv []string
		if err := payload.Decode(&argv); err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		return Cmd(argv), nil
	case "Install":
		var packages []string
		if err := payload.Decode(&packages); err != nil {
			return nil, err
		}
		return Install(packages), nil
	case "EnsureDir":
		var path string
		if err := payload.Decode(&path); err != nil {
			return nil, err
		}
		return EnsureDir(path), nil
	case "Remove":
		var path string
		if err := payload.Decode(&path); err != nil {
			return nil, err
		}
		return Remove(path), nil
	case "Download":
		var download Download
		if err := payload.Decode(&download); err != nil {
			return nil, err
		}
		return download, nil
	default:
		return nil, fmt.Errorf("unknown build step")
	}
}

// UnmarshalYAML decodes a sub-recipe source: the scalar "directory",
// !Container <name> / {container: <name>}, or !Git {url, revision} /
// {git: {url, revision}}.
func (s *Source) UnmarshalYAML(node *yaml.Node) error {
	kind, payload, err := variant(node)
	if err != nil {
		return err
	}
	switch SourceKind(strings.ToLower(kind)) {
	case SourceDirectory:
		*s = Source{Kind: SourceDirectory}
	case SourceContainer:
		if payload == nil {
			return fmt.Errorf("line %d: container source needs a container name", node.Line)
		}
		var name string
		if err := payload.Decode(&name); err != nil {
			return err
		}
		*s = Source{Kind: SourceContainer, Container: name}
	case SourceGit:
		if payload == nil {
			return fmt.Errorf("line %d: git source needs a url", node.Line)
		}
		var git GitSource
		if err := payload.Decode(&git); err != nil {
			return err
		}
		*s = Source{Kind: SourceGit, Git: &git}
	default:
		return fmt.Errorf("line %d: unknown sub-recipe source %q", node.Line, kind)
	}
	return nil
}
