// Package orbit models the satellite's illumination cycle.
package orbit

// Phase labels the two illumination states of the orbit.
type Phase string

const (
	Sunlight Phase = "sunlight"
	Eclipse  Phase = "eclipse"
)

// Model computes the orbital phase as a pure function of elapsed minutes.
// The first IlluminatedTicks minutes of every period are in sunlight, the
// remainder in eclipse.
type Model struct {
	Period           int
	IlluminatedTicks int
}

// New returns a Model with the given period and illuminated fraction of it.
func New(period int, illuminatedFraction float64) Model {
	return Model{
		Period:           period,
		IlluminatedTicks: int(float64(period) * illuminatedFraction),
	}
}

// PhaseAt returns the phase for minute t.
func (m Model) PhaseAt(t int) Phase {
	if t%m.Period < m.IlluminatedTicks {
		return Sunlight
	}
	return Eclipse
}
