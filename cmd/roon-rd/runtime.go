package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jdrivas/roon-rd/internal/config"
	"github.com/jdrivas/roon-rd/internal/images"
	"github.com/jdrivas/roon-rd/internal/roon"
	"github.com/jdrivas/roon-rd/internal/roon/roontest"
	"github.com/jdrivas/roon-rd/internal/state"
)

// runtime bundles the session, caches and syncer every subcommand needs.
type runtime struct {
	cfg     config.Config
	session roon.Session
	images  *images.Cache
	syncer  *state.Syncer
	cancel  context.CancelFunc
	stopped chan struct{}
}

// newRuntime connects the session and starts the single-writer sync loop.
// With fake set, a scripted in-memory session replaces the core connection
// (offline development).
func newRuntime(fake bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	var session roon.Session
	if fake {
		fs := roontest.NewFakeSession()
		fs.Emit(roon.CoreConnected{CoreName: "Fake Core", CoreVersion: "dev"})
		session = fs
	} else {
		session = roon.Dial(roon.WireConfig{
			Addr:        cfg.CoreAddr,
			TokenPath:   cfg.TokenPath,
			DisplayName: cfg.DisplayName,
		})
	}

	imageCache := images.New(session, cfg.ImageFetchTimeout(), cfg.ImageSizePx, cfg.ImageSizePx)
	syncer := state.NewSyncer(session, imageCache, state.Options{
		QueueAckTimeout: cfg.QueueAckTimeout(),
		QueueMaxItems:   cfg.QueueMaxItems,
		RequestDepth:    cfg.RequestQueueDepth,
		ObserverDepth:   cfg.ObserverQueueDepth,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		syncer.Run(ctx)
	}()

	return &runtime{
		cfg:     cfg,
		session: session,
		images:  imageCache,
		syncer:  syncer,
		cancel:  cancel,
		stopped: stopped,
	}, nil
}

// waitForCore polls until the core registers or the timeout elapses,
// printing a reminder about extension authorization while waiting.
func (rt *runtime) waitForCore(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	reminded := false
	for time.Now().Before(deadline) {
		if rt.syncer.Connected() {
			return true
		}
		if !reminded && time.Now().Add(-2*time.Second).After(deadline.Add(-timeout)) {
			fmt.Println("Waiting for authorization in Roon Settings > Extensions...")
			reminded = true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return rt.syncer.Connected()
}

func (rt *runtime) shutdown() {
	rt.cancel()
	rt.session.Close()
	select {
	case <-rt.stopped:
	case <-time.After(5 * time.Second):
	}
}
