package tracking

import (
	"github.com/bilal/fleet-tracker/internal/geo"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/session"
)

// Accumulate adds the leg from the last accepted coordinate to raw and moves
// the last coordinate forward. The input state is not modified.
func Accumulate(st session.State, raw model.RawPosition) session.State {
	out := st.Clone()
	c := raw.Coordinate()
	if st.LastCoordinate != nil {
		out.AccumulatedDistanceM += geo.Distance(*st.LastCoordinate, c)
	}
	out.LastCoordinate = &c
	return out
}
