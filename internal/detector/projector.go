package detector

import "github.com/orcanet/orcanet/internal/errs"

// Projector places the hits of an event in detector coordinates. It reads
// exactly one hit collection, chosen once at construction.
type Projector struct {
	geo       *Geometry
	useMCHits bool
}

// NewProjector returns a Projector over geo. With useMCHits set it reads
// Event.MCHits, otherwise Event.Hits.
func NewProjector(geo *Geometry, useMCHits bool) *Projector {
	return &Projector{geo: geo, useMCHits: useMCHits}
}

// UsesMCHits reports which hit collection is read.
func (p *Projector) UsesMCHits() bool { return p.useMCHits }

// Project calibrates every hit of ev. A hit on a module missing from the
// geometry fails the whole event.
func (p *Projector) Project(ev Event) ([]CalibratedHit, error) {
	hits := ev.Hits
	if p.useMCHits {
		hits = ev.MCHits
	}
	out := make([]CalibratedHit, len(hits))
	for i, h := range hits {
		m, ok := p.geo.Module(h.ModuleID)
		if !ok {
			return nil, errs.Lookupf("event %d: hit %d references module %d which is not in the geometry", ev.EventID, i, h.ModuleID)
		}
		out[i] = CalibratedHit{
			Pos:  m.Pos.Add(h.Pos),
			Time: h.Time + m.T0,
			ToT:  h.ToT,
		}
	}
	return out, nil
}
