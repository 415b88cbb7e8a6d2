package pipeline

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
)

// Particle codes produced by the event generator.
const (
	PDGElectronNeutrino = 12
	PDGMuon             = 13
	PDGMuonNeutrino     = 14
	PDGRandomNoise      = 0
)

var syntheticParticles = []int{PDGElectronNeutrino, -PDGElectronNeutrino, PDGMuonNeutrino, -PDGMuonNeutrino, PDGMuon, PDGRandomNoise}

// SyntheticGeometry lays out nStrings vertical strings of nFloors modules
// on a square grid. Module ids count from 1, string by string.
func SyntheticGeometry(nStrings, nFloors int, spacing float64) (*detector.Geometry, error) {
	if nStrings < 1 || nFloors < 1 || spacing <= 0 {
		return nil, errs.Configf("synthetic geometry needs positive strings, floors and spacing, got %d, %d, %v", nStrings, nFloors, spacing)
	}
	side := int(math.Ceil(math.Sqrt(float64(nStrings))))
	modules := make([]detector.Module, 0, nStrings*nFloors)
	for s := 0; s < nStrings; s++ {
		x := float64(s%side) * spacing
		y := float64(s/side) * spacing
		for f := 0; f < nFloors; f++ {
			modules = append(modules, detector.Module{
				ID:  len(modules) + 1,
				Pos: r3.Vector{X: x, Y: y, Z: float64(f) * spacing / 2},
				T0:  float64(f%3) * 0.5,
			})
		}
	}
	return detector.NewGeometry(modules)
}

// EventGenerator draws reproducible random events on a geometry.
type EventGenerator struct {
	ids      []int
	rng      *rand.Rand
	maxHits  int
	timeSpan float64
	next     int64
}

// NewEventGenerator returns a generator whose events carry between 0 and
// maxHits hits with times in [0, timeSpan).
func NewEventGenerator(geo *detector.Geometry, seed int64, maxHits int, timeSpan float64) *EventGenerator {
	return &EventGenerator{
		ids:      geo.IDs(),
		rng:      rand.New(rand.NewSource(seed)),
		maxHits:  maxHits,
		timeSpan: timeSpan,
		next:     1,
	}
}

// Next draws one event. Event ids increase from 1.
func (g *EventGenerator) Next() detector.Event {
	id := g.next
	g.next++

	pdg := syntheticParticles[g.rng.Intn(len(syntheticParticles))]
	theta := math.Acos(2*g.rng.Float64() - 1)
	phi := 2 * math.Pi * g.rng.Float64()
	ev := detector.Event{
		EventID: id,
		Track: detector.Track{
			EventID:      id,
			ParticleType: pdg,
			Energy:       1 + 99*g.rng.Float64(),
			IsCC:         pdg != PDGMuon && pdg != PDGRandomNoise && g.rng.Intn(2) == 0,
			BjorkenY:     g.rng.Float64(),
			Dir: r3.Vector{
				X: math.Sin(theta) * math.Cos(phi),
				Y: math.Sin(theta) * math.Sin(phi),
				Z: math.Cos(theta),
			},
			VertexTime: g.timeSpan * g.rng.Float64() / 2,
			Weight:     1 + g.rng.Float64(),
			RunID:      1,
		},
	}
	if len(g.ids) == 0 || g.maxHits <= 0 {
		return ev
	}
	n := g.rng.Intn(g.maxHits + 1)
	ev.Hits = make([]detector.Hit, n)
	for i := range ev.Hits {
		ev.Hits[i] = detector.Hit{
			ModuleID: g.ids[g.rng.Intn(len(g.ids))],
			Pos:      r3.Vector{X: 0.2 * (g.rng.Float64() - 0.5), Y: 0.2 * (g.rng.Float64() - 0.5), Z: 0.2 * (g.rng.Float64() - 0.5)},
			Time:     g.timeSpan * g.rng.Float64(),
			ToT:      float64(1 + g.rng.Intn(255)),
		}
		// Roughly half the hits are signal and also show up in the MC truth.
		if pdg != PDGRandomNoise && g.rng.Intn(2) == 0 {
			ev.MCHits = append(ev.MCHits, ev.Hits[i])
		}
	}
	return ev
}

// Generate draws n events.
func (g *EventGenerator) Generate(n int) []detector.Event {
	out := make([]detector.Event, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// WriteEventFile stores events as an event file at path.
func WriteEventFile(path string, events []detector.Event) error {
	w, err := sqlitestore.NewEventWriter(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := w.Append(ev); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}
