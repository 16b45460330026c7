package bridge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/models"
)

// KmhToMps is the km/h to m/s factor used throughout the bridge.
const KmhToMps = 0.278

// ConvertSpeed turns a wheel rate into km/h and m/s. The m/s value is always
// derived from the km/h value computed in the same call.
func ConvertSpeed(revolutionsPerSecond, wheelCircumferenceKm float64) (kmh, mps float64) {
	kmh = revolutionsPerSecond * 3600 * wheelCircumferenceKm
	mps = kmh * KmhToMps
	return kmh, mps
}

func (b *Bridge) ticksPerSecond() float64 {
	return float64(time.Second) / float64(b.cfg.Tick)
}

// StrideIncrement is how much the stride count grows per tick.
func (b *Bridge) StrideIncrement() float64 {
	return b.cfg.CadenceSPM / 60 / b.ticksPerSecond()
}

// Step runs one tick: read the wheel rate, advance the accumulators and
// push them to the transmitter. A failed update is returned as a
// KindTransientBroadcast error; the accumulators have advanced regardless.
func (b *Bridge) Step() (models.Sample, error) {
	sample, events, err := b.advance()

	log.Debug().
		Uint64("tick", sample.Tick).
		Float64("rps", sample.RevolutionsPerSecond).
		Float64("speed_kmh", sample.SpeedKmh).
		Float64("speed_mps", sample.SpeedMps).
		Float64("strides", sample.StrideCount).
		Float64("distance_m", sample.DistanceMeters).
		Msg("tick")

	b.observer.OnSample(sample)
	b.emit(events...)
	return sample, err
}

// advance holds b.mu only to snapshot sessions and commit state; the wheel
// read and the broadcast run unlocked.
func (b *Bridge) advance() (models.Sample, []models.Event, error) {
	var events []models.Event

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	rx, rxOpen := b.receiver.ref, b.receiver.isOpen()
	tx, txOpen := b.transmitter.ref, b.transmitter.isOpen()
	b.mu.Unlock()

	rps := 0.0
	if rxOpen {
		rps = rx.RevolutionsPerSecond()
		if rps < 0 || math.IsNaN(rps) || math.IsInf(rps, 0) {
			rps = 0
		}
	}
	kmh, mps := ConvertSpeed(rps, b.cfg.WheelCircumferenceKm)

	b.mu.Lock()
	b.state.StrideCount += b.StrideIncrement()
	b.state.DistanceMeters += mps / b.ticksPerSecond()
	b.tick++
	sample := models.Sample{
		RunID:                b.runID,
		Tick:                 b.tick,
		At:                   b.now(),
		RevolutionsPerSecond: rps,
		SpeedKmh:             kmh,
		SpeedMps:             mps,
		StrideCount:          b.state.StrideCount,
		DistanceMeters:       b.state.DistanceMeters,
		Receiver:             b.receiver.state(),
		Transmitter:          b.transmitter.state(),
	}
	b.mu.Unlock()

	var stepErr error
	if txOpen {
		err := guard(func() error {
			return tx.Update(sample.StrideCount, sample.DistanceMeters, sample.SpeedMps)
		})
		switch {
		case err == nil:
			sample.Broadcast = true
		case b.isStopped():
			// Shutdown closed the transmitter mid-update
		default:
			stepErr = newError(KindTransientBroadcast, "update stride transmitter", err)
			log.Warn().Err(err).Uint64("tick", sample.Tick).Msg("stride broadcast failed")
			events = append(events, b.event(models.EventTypeBroadcastFailed, models.EventLevelWarning, models.SourceTransmitter,
				"stride update failed", models.Variables{"tick": sample.Tick, "error": err.Error()}))
		}
	}

	b.mu.Lock()
	b.last = &sample
	b.mu.Unlock()
	return sample, events, stepErr
}

// Run ticks until ctx is cancelled. Cancellation returns nil; a panic inside
// a tick is returned once as a KindUnhandled error.
func (b *Bridge) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindUnhandled, "run loop", fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()

	log.Info().
		Dur("tick", b.cfg.Tick).
		Float64("wheel_circumference_km", b.cfg.WheelCircumferenceKm).
		Float64("cadence_spm", b.cfg.CadenceSPM).
		Msg("sampling loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("ticks", b.Ticks()).Msg("sampling loop stopped")
			return nil
		case <-ticker.C:
			b.Step()
		}
	}
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Ticks returns how many ticks have run.
func (b *Bridge) Ticks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick
}
