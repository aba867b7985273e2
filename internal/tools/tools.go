// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

//go:build tools

// Package tools pins the versions of development-only tools this module
// depends on, so `go mod tidy` tracks them without a second go.mod.
package tools

import (
	_ "golang.org/x/tools/cmd/stringer"
	_ "honnef.co/go/tools/cmd/staticcheck"
)
