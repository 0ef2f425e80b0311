// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

// Step is one declarative action in a container's setup sequence.
// The set of implementations is closed: only types in this package
// satisfy it.
type Step interface {
	// Kind returns the step's recipe tag, e.g. "Sh" or "Container".
	Kind() string

	step()
}

// Requirements hashes a package requirement list: one requirement per
// line, blank lines and # comments ignored. Tool names the package
// manager ("py2", "py3", "npm"), File is relative to the workdir.
type Requirements struct {
	Tool string
	File string
}

// requirementsTags maps Requirements.Tool to its recipe tag.
var requirementsTags = map[string]string{
	"py2": "Py2Requirements",
	"py3": "Py3Requirements",
	"npm": "NpmRequirements",
}

// Depends makes a file, byte for byte, part of the container version.
// File is relative to the workdir.
type Depends struct {
	File string
}

// ContainerRef builds on top of another container of the same recipe.
type ContainerRef struct {
	Name string
}

// SubRecipe builds on top of a container defined in another recipe
// file.
type SubRecipe struct {
	// Path of the recipe file, relative to the source location.
	Path string `yaml:"path"`

	// Container is the name of the container inside that recipe.
	Container string `yaml:"container"`

	// Source says where Path is resolved.
	Source Source `yaml:"source"`
}

// SourceKind says where a sub-recipe file lives.
type SourceKind string

const (
	// SourceDirectory resolves the path against the workdir.
	SourceDirectory SourceKind = "directory"

	// SourceContainer resolves the path inside the built root of
	// another container.
	SourceContainer SourceKind = "container"

	// SourceGit fetches the recipe from a version-control repository.
	SourceGit SourceKind = "git"
)

// Source is the location a SubRecipe path is resolved against.
type Source struct {
	Kind SourceKind

	// Container is set for SourceContainer.
	Container string

	// Git is set for SourceGit.
	Git *GitSource
}

// GitSource identifies a recipe in a version-control repository.
type GitSource struct {
	URL      string `yaml:"url"`
	Revision string `yaml:"revision"`
}

// CacheDirs mounts named caches at paths inside the container, keyed
// by container path.
type CacheDirs map[string]string

// Text writes literal files into the container, keyed by container
// path.
type Text map[string]string

// Sh runs a shell script.
type Sh string

// Cmd runs a command without a shell.
type Cmd []string

// Env sets environment variables for the remaining steps.
type Env map[string]string

// Install installs distribution packages.
type Install []string

// EnsureDir creates a directory inside the container.
type EnsureDir string

// Remove deletes a path inside the container.
type Remove string

// Download fetches a URL to a path inside the container.
type Download struct {
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// Kind returns the tool-specific tag, e.g. "Py3Requirements".
func (r Requirements) Kind() string {
	if tag, ok := requirementsTags[r.Tool]; ok {
		return tag
	}
	return "Requirements"
}

func (Depends) Kind() string      { return "Depends" }
func (ContainerRef) Kind() string { return "Container" }
func (SubRecipe) Kind() string    { return "SubConfig" }
func (CacheDirs) Kind() string    { return "CacheDirs" }
func (Text) Kind() string         { return "Text" }
func (Sh) Kind() string           { return "Sh" }
func (Cmd) Kind() string          { return "Cmd" }
func (Env) Kind() string          { return "Env" }
func (Install) Kind() string      { return "Install" }
func (EnsureDir) Kind() string    { return "EnsureDir" }
func (Remove) Kind() string       { return "Remove" }
func (Download) Kind() string     { return "Download" }

func (Requirements) step() {}
func (Depends) step()      {}
func (ContainerRef) step() {}
func (SubRecipe) step()    {}
func (CacheDirs) step()    {}
func (Text) step()         {}
func (Sh) step()           {}
func (Cmd) step()          {}
func (Env) step()          {}
func (Install) step()      {}
func (EnsureDir) step()    {}
func (Remove) step()       {}
func (Download) step()     {}

// Container is a named, ordered setup sequence.
type Container struct {
	Name  string
	Setup []Step
}

// Graph maps container names to containers for one recipe file.
type Graph struct {
	// Path is the file the graph was read from; empty for graphs
	// parsed from memory.
	Path string

	Containers map[string]*Container
}

// Lookup returns the named container.
func (g *Graph) Lookup(name string) (*Container, bool) {
	if g == nil {
		return nil, false
	}
	container, ok := g.Containers[name]
	return container, ok
}
