//go:build windows

package main

import (
	"context"

	"github.com/jrsteele09/go-auth-session/lifecycle"
)

// watchVisibility is a no-op: there are no job-control signals to map.
func watchVisibility(context.Context, *lifecycle.Manager) {}
