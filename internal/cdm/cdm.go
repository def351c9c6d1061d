// Package cdm parses CCSDS Conjunction Data Messages in KVN (key = value
// notation) form into structured records, and serializes records back to KVN
// for audit replay. The parser is a pure text-to-record transform: no
// deduplication, no persistence, no dependency on the rest of the engine.
package cdm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/perigeelabs/perigee/internal/frames"
)

// Object is one OBJECT block of a message.
type Object struct {
	NoradID int
	Name    string
	// State vector at TCA in the record's reference frame, km and km/s.
	Position frames.Vec3
	Velocity frames.Vec3
}

// Record is a parsed conjunction message. Immutable once parsed. All physical
// quantities are normalized to the engine's canonical units (km, km/s, km²)
// during parse, never later.
type Record struct {
	Version      string
	CreationDate time.Time
	Originator   string
	TCA          time.Time
	MissKm       float64
	RelSpeedKmS  *float64
	RefFrame     string
	Object1      Object
	Object2      Object

	// Covariance is the combined 3x3 position covariance in RTN-like axes,
	// km², mirrored symmetric from the upper triangle. Nil when the message
	// carried none.
	Covariance *frames.Mat3

	// HardBodyRadiusKm is the combined hard-body radius, km. Nil when the
	// message carried none.
	HardBodyRadiusKm *float64
}

// MissingFieldError reports a required field absent from the message.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s", e.Field)
}

// MalformedValueError reports a value that failed to parse, naming the line.
type MalformedValueError struct {
	Line  int
	Key   string
	Value string
	Cause string
}

func (e *MalformedValueError) Error() string {
	return fmt.Sprintf("line %d: malformed value for %s: %q (%s)", e.Line, e.Key, e.Value, e.Cause)
}

// ParseError aggregates every problem found in a message. A message with any
// problem is never partially ingested.
type ParseError struct {
	Problems []error
}

func (e *ParseError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Error()
	}
	return "invalid CDM: " + strings.Join(parts, "; ")
}

func (e *ParseError) Unwrap() []error { return e.Problems }

// Keys that belong to the message header or the relative-metadata section
// even when they appear after an OBJECT marker.
var globalKeys = map[string]bool{
	"CCSDS_CDM_VERS":   true,
	"CREATION_DATE":    true,
	"ORIGINATOR":       true,
	"TCA":              true,
	"REF_FRAME":        true,
	"MISS_DISTANCE":    true,
	"RELATIVE_SPEED":   true,
	"HARD_BODY_RADIUS": true,
	"CR_R":             true,
	"CT_R":             true,
	"CT_T":             true,
	"CN_R":             true,
	"CN_T":             true,
	"CN_N":             true,
}

var covarianceKeys = []string{"CR_R", "CT_R", "CT_T", "CN_R", "CN_T", "CN_N"}

// kv is one parsed line, retaining its source line number for diagnostics.
type kv struct {
	value string
	line  int
}

// Parse decodes KVN text into a Record. It returns a *ParseError naming
// every missing required field and malformed line; a required physical
// quantity is never silently defaulted.
func Parse(text string) (*Record, error) {
	p := &parser{
		global:  map[string]kv{},
		objects: map[string]map[string]kv{"OBJECT1": {}, "OBJECT2": {}},
	}
	p.scan(text)
	rec := p.build()
	if len(p.problems) > 0 {
		return nil, &ParseError{Problems: p.problems}
	}
	return rec, nil
}

type parser struct {
	global   map[string]kv
	objects  map[string]map[string]kv
	problems []error
}

func (p *parser) fail(err error) {
	p.problems = append(p.problems, err)
}

func (p *parser) scan(text string) {
	current := ""
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:eq]))
		value := strings.TrimSpace(line[eq+1:])
		if key == "COMMENT" {
			continue
		}
		if key == "OBJECT" {
			obj := strings.ToUpper(value)
			if _, ok := p.objects[obj]; ok {
				current = obj
			} else {
				current = ""
			}
			continue
		}
		entry := kv{value: value, line: i + 1}
		if globalKeys[key] || current == "" {
			p.global[key] = entry
			continue
		}
		p.objects[current][key] = entry
	}
}

func (p *parser) build() *Record {
	rec := &Record{
		Version:    p.optString("CCSDS_CDM_VERS"),
		Originator: p.optString("ORIGINATOR"),
		RefFrame:   p.optString("REF_FRAME"),
	}
	if rec.RefFrame == "" {
		rec.RefFrame = frames.Canonical
	}

	if e, ok := p.global["CREATION_DATE"]; ok {
		rec.CreationDate = p.parseTime("CREATION_DATE", e)
	}
	if e, ok := p.global["TCA"]; ok {
		rec.TCA = p.parseTime("TCA", e)
	} else {
		p.fail(&MissingFieldError{Field: "TCA"})
	}

	if e, ok := p.global["MISS_DISTANCE"]; ok {
		rec.MissKm = p.parseLength("MISS_DISTANCE", e)
	} else {
		p.fail(&MissingFieldError{Field: "MISS_DISTANCE"})
	}

	if e, ok := p.global["RELATIVE_SPEED"]; ok {
		v := p.parseSpeed("RELATIVE_SPEED", e)
		rec.RelSpeedKmS = &v
	}
	if e, ok := p.global["HARD_BODY_RADIUS"]; ok {
		v := p.parseLength("HARD_BODY_RADIUS", e)
		rec.HardBodyRadiusKm = &v
	}

	rec.Object1 = p.buildObject("OBJECT1")
	rec.Object2 = p.buildObject("OBJECT2")
	rec.Covariance = p.buildCovariance()
	return rec
}

func (p *parser) buildObject(name string) Object {
	fields := p.objects[name]
	obj := Object{}

	if e, ok := fields["NORAD_CAT_ID"]; ok {
		id, err := strconv.Atoi(strings.TrimSpace(e.value))
		if err != nil {
			p.fail(&MalformedValueError{Line: e.line, Key: name + ".NORAD_CAT_ID", Value: e.value, Cause: "not an integer"})
		} else {
			obj.NoradID = id
		}
	} else {
		p.fail(&MissingFieldError{Field: name + ".NORAD_CAT_ID"})
	}

	if e, ok := fields["OBJECT_NAME"]; ok {
		obj.Name = e.value
	}

	var comps [6]float64
	for i, key := range []string{"X", "Y", "Z", "X_DOT", "Y_DOT", "Z_DOT"} {
		e, ok := fields[key]
		if !ok {
			p.fail(&MissingFieldError{Field: name + "." + key})
			continue
		}
		if i < 3 {
			comps[i] = p.parseLength(name+"."+key, e)
		} else {
			comps[i] = p.parseSpeed(name+"."+key, e)
		}
	}
	obj.Position = frames.Vec3{X: comps[0], Y: comps[1], Z: comps[2]}
	obj.Velocity = frames.Vec3{X: comps[3], Y: comps[4], Z: comps[5]}
	return obj
}

// buildCovariance mirrors the given upper triangle into a symmetric matrix.
// All six keys are required as soon as any one is present.
func (p *parser) buildCovariance() *frames.Mat3 {
	present := false
	for _, k := range covarianceKeys {
		if _, ok := p.global[k]; ok {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	vals := map[string]float64{}
	for _, k := range covarianceKeys {
		e, ok := p.global[k]
		if !ok {
			p.fail(&MissingFieldError{Field: k})
			continue
		}
		vals[k] = p.parseArea(k, e)
	}
	if len(vals) != len(covarianceKeys) {
		return nil
	}
	return &frames.Mat3{
		{vals["CR_R"], vals["CT_R"], vals["CN_R"]},
		{vals["CT_R"], vals["CT_T"], vals["CN_T"]},
		{vals["CN_R"], vals["CN_T"], vals["CN_N"]},
	}
}

func (p *parser) optString(key string) string {
	if e, ok := p.global[key]; ok {
		return e.value
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (p *parser) parseTime(key string, e kv) time.Time {
	raw := strings.TrimSpace(e.value)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	p.fail(&MalformedValueError{Line: e.line, Key: key, Value: e.value, Cause: "unrecognized timestamp"})
	return time.Time{}
}

// splitUnit separates "123.4 [km]" into value and unit.
func splitUnit(raw string) (string, string) {
	open := strings.LastIndex(raw, "[")
	if open < 0 || !strings.HasSuffix(raw, "]") {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:open]), strings.TrimSpace(raw[open+1 : len(raw)-1])
}

func (p *parser) parseNumber(key string, e kv) (float64, bool) {
	val, _ := splitUnit(e.value)
	// Some originators emit Fortran-style exponents.
	val = strings.NewReplacer("D", "E", "d", "e").Replace(val)
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(&MalformedValueError{Line: e.line, Key: key, Value: e.value, Cause: "not a number"})
		return 0, false
	}
	return f, true
}

func normUnit(u string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(u), " ", ""), "**", "^")
}

// parseLength normalizes a [km] or [m] annotated value to km. A missing unit
// is treated as km, the canonical unit.
func (p *parser) parseLength(key string, e kv) float64 {
	f, ok := p.parseNumber(key, e)
	if !ok {
		return 0
	}
	_, unit := splitUnit(e.value)
	switch normUnit(unit) {
	case "", "km":
		return f
	case "m":
		return f / 1000
	}
	p.fail(&MalformedValueError{Line: e.line, Key: key, Value: e.value, Cause: "unsupported length unit"})
	return 0
}

func (p *parser) parseSpeed(key string, e kv) float64 {
	f, ok := p.parseNumber(key, e)
	if !ok {
		return 0
	}
	_, unit := splitUnit(e.value)
	switch normUnit(unit) {
	case "", "km/s":
		return f
	case "m/s":
		return f / 1000
	}
	p.fail(&MalformedValueError{Line: e.line, Key: key, Value: e.value, Cause: "unsupported speed unit"})
	return 0
}

func (p *parser) parseArea(key string, e kv) float64 {
	f, ok := p.parseNumber(key, e)
	if !ok {
		return 0
	}
	_, unit := splitUnit(e.value)
	switch normUnit(unit) {
	case "", "km^2":
		return f
	case "m^2":
		return f / 1e6
	}
	p.fail(&MalformedValueError{Line: e.line, Key: key, Value: e.value, Cause: "unsupported area unit"})
	return 0
}
