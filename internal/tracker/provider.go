// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package tracker

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrPermissionDenied is returned by a provider when the platform refuses
// access to location data. It is terminal: the tracker will not retry.
var ErrPermissionDenied = errors.New("tracker: location permission denied")

// Position is one sampled location.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
}

// PositionProvider supplies location samples. Implementations wrap a
// platform location API or, for the CLI and tests, a simulation.
type PositionProvider interface {
	// Permission reports whether location access is granted. The tracker
	// checks it once before dialing and fails the start when denied.
	Permission() error

	Position() (Position, error)
}

// maxStepDegrees bounds one step of the simulated walk, roughly 10 meters
// of latitude.
const maxStepDegrees = 0.0001

// SimulatedWalk is a PositionProvider that wanders randomly from a start
// point. Each sample moves a small random displacement in a random
// direction, clamped to valid coordinate ranges.
type SimulatedWalk struct {
	lat float64
	lon float64
	rng *rand.Rand
}

// NewSimulatedWalk starts a walk at the given coordinates.
func NewSimulatedWalk(lat, lon float64) *SimulatedWalk {
	return &SimulatedWalk{
		lat: lat,
		lon: lon,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Permission always grants; the walk needs no platform access.
func (w *SimulatedWalk) Permission() error { return nil }

// Position returns the next point of the walk.
func (w *SimulatedWalk) Position() (Position, error) {
	angle := w.rng.Float64() * 2 * math.Pi
	magnitude := w.rng.Float64() * maxStepDegrees

	w.lat = clamp(w.lat+magnitude*math.Sin(angle), -90, 90)
	w.lon = clamp(w.lon+magnitude*math.Cos(angle), -180, 180)

	accuracy := 5 + w.rng.Float64()*10
	return Position{Latitude: w.lat, Longitude: w.lon, Accuracy: &accuracy}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
