//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrsteele09/go-auth-session/lifecycle"
	"github.com/rs/zerolog/log"
)

// watchVisibility maps SIGUSR1 to "backgrounded" and SIGCONT to "visible".
func watchVisibility(ctx context.Context, manager *lifecycle.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGCONT)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				visible := sig == syscall.SIGCONT
				log.Debug().Bool("visible", visible).Msg("Visibility signal")
				manager.SetVisibility(ctx, visible)
			}
		}
	}()
}
