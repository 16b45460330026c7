// Package signals adapts process stop requests (OS signals and in-process
// triggers) to a single trigger callback.
package signals

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
)

// Trigger is invoked with the name of the source that fired. It may be called
// more than once and from several goroutines.
type Trigger func(reason string)

// Source is one origin of stop requests.
type Source interface {
	Name() string
	// Supported reports whether the source can fire on this platform.
	Supported() bool
	// Watch calls trigger each time the source fires, until ctx is done.
	Watch(ctx context.Context, trigger Trigger)
}

// Watch attaches every supported source to trigger.
func Watch(ctx context.Context, trigger Trigger, sources ...Source) {
	for _, s := range sources {
		if !s.Supported() {
			log.Debug().Str("source", s.Name()).Msg("signal source not supported")
			continue
		}
		s.Watch(ctx, trigger)
	}
}

type osSource struct {
	name string
	sigs []os.Signal
}

// Interrupt fires on Ctrl+C, and on SIGTERM where the platform has it.
func Interrupt() Source {
	return osSource{name: "interrupt", sigs: interruptSignals}
}

// ConsoleClose fires when the controlling console goes away.
func ConsoleClose() Source {
	return osSource{name: "console close", sigs: consoleCloseSignals}
}

func (s osSource) Name() string { return s.name }

func (s osSource) Supported() bool { return len(s.sigs) > 0 }

func (s osSource) Watch(ctx context.Context, trigger Trigger) {
	if !s.Supported() {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, s.sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				log.Info().Str("source", s.name).Str("signal", sig.String()).Msg("signal received")
				trigger(s.name)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Manual is an in-process source fired by calling Fire.
type Manual struct {
	name string
	ch   chan struct{}
}

// NewManual creates a source that reports name when fired.
func NewManual(name string) *Manual {
	return &Manual{name: name, ch: make(chan struct{}, 1)}
}

func (m *Manual) Name() string { return m.name }

func (m *Manual) Supported() bool { return true }

// Fire requests a stop. It never blocks; repeated fires before the watcher
// runs collapse into one.
func (m *Manual) Fire() {
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

func (m *Manual) Watch(ctx context.Context, trigger Trigger) {
	go func() {
		for {
			select {
			case <-m.ch:
				trigger(m.name)
			case <-ctx.Done():
				return
			}
		}
	}()
}
