// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipe defines the declarative build recipe: named
// containers, each with an ordered setup sequence of build steps.
//
// [Step] is a closed sum type. Every variant is a struct in this
// package; consumers dispatch with a type switch and keep an explicit
// default arm for variants they do not treat specially. The order of a
// container's Setup is semantically significant: it is the order steps
// run and the order they contribute to the container's version digest.
//
// Recipes are authored as YAML or JSONC. A step is written either as a
// tagged value or as a single-key mapping:
//
//	containers:
//	  app:
//	    setup:
//	    - !Container base
//	    - !Py3Requirements requirements.txt
//	    - Sh: make install
//
// JSONC files use the single-key form only ({"Sh": "make install"}).
// They are converted to plain JSON with tidwall/jsonc and decoded by the
// same YAML node decoder, so both formats produce identical graphs.
//
// A recipe may reference containers defined in other recipe files
// through [SubRecipe] steps. There is no global registry: the graph a
// step belongs to is always passed explicitly to whoever interprets it.
package recipe
