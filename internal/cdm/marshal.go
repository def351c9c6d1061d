package cdm

import (
	"strconv"
	"strings"
	"time"

	"github.com/perigeelabs/perigee/internal/frames"
)

// Marshal serializes a record back to KVN in canonical units. Parsing the
// output reproduces the record field for field, which is what lets an audit
// trail replay stored messages.
func Marshal(r *Record) string {
	var b strings.Builder

	put := func(key, value string) {
		b.WriteString(key)
		b.WriteString(" = ")
		b.WriteString(value)
		b.WriteString("\n")
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	if r.Version != "" {
		put("CCSDS_CDM_VERS", r.Version)
	}
	if !r.CreationDate.IsZero() {
		put("CREATION_DATE", r.CreationDate.UTC().Format(time.RFC3339Nano))
	}
	if r.Originator != "" {
		put("ORIGINATOR", r.Originator)
	}
	put("TCA", r.TCA.UTC().Format(time.RFC3339Nano))
	put("MISS_DISTANCE", num(r.MissKm)+" [km]")
	if r.RelSpeedKmS != nil {
		put("RELATIVE_SPEED", num(*r.RelSpeedKmS)+" [km/s]")
	}
	put("REF_FRAME", r.RefFrame)
	if r.HardBodyRadiusKm != nil {
		put("HARD_BODY_RADIUS", num(*r.HardBodyRadiusKm)+" [km]")
	}
	if c := r.Covariance; c != nil {
		put("CR_R", num(c[0][0])+" [km**2]")
		put("CT_R", num(c[1][0])+" [km**2]")
		put("CT_T", num(c[1][1])+" [km**2]")
		put("CN_R", num(c[2][0])+" [km**2]")
		put("CN_T", num(c[2][1])+" [km**2]")
		put("CN_N", num(c[2][2])+" [km**2]")
	}

	writeObject := func(marker string, o Object) {
		put("OBJECT", marker)
		put("NORAD_CAT_ID", strconv.Itoa(o.NoradID))
		if o.Name != "" {
			put("OBJECT_NAME", o.Name)
		}
		writeState(put, num, o.Position, o.Velocity)
	}
	writeObject("OBJECT1", r.Object1)
	writeObject("OBJECT2", r.Object2)

	return b.String()
}

func writeState(put func(key, value string), num func(float64) string, p, v frames.Vec3) {
	put("X", num(p.X)+" [km]")
	put("Y", num(p.Y)+" [km]")
	put("Z", num(p.Z)+" [km]")
	put("X_DOT", num(v.X)+" [km/s]")
	put("Y_DOT", num(v.Y)+" [km/s]")
	put("Z_DOT", num(v.Z)+" [km/s]")
}
