package detector

import "github.com/golang/geo/r3"

// Hit is a single detected signal at an optical module. Pos and Time are
// relative to the module; Projector adds the calibrated module offsets.
type Hit struct {
	ModuleID int
	Pos      r3.Vector
	Time     float64 // ns
	ToT      float64 // time over threshold, the charge proxy
}

// Track is the ground-truth metadata of the primary particle of an event.
type Track struct {
	EventID      int64
	ParticleType int // PDG code
	Energy       float64
	IsCC         bool
	BjorkenY     float64
	Dir          r3.Vector
	VertexTime   float64
	Weight       float64 // weight_w2
	RunID        int64
}

// Event is one trigger record. Hits holds the mixed signal and background
// collection; MCHits holds the simulation-truth hits only.
type Event struct {
	EventID int64
	Hits    []Hit
	MCHits  []Hit
	Track   Track
}

// CalibratedHit is a hit placed in detector coordinates.
type CalibratedHit struct {
	Pos  r3.Vector
	Time float64
	ToT  float64
}

// Module is one row of the geometry table.
type Module struct {
	ID  int
	Pos r3.Vector
	T0  float64 // ns, added to every hit time
}

// Corner is one corner of the detector bounding box, tagged with the id of
// the module that defines it.
type Corner struct {
	ModuleID int
	Pos      r3.Vector
}
