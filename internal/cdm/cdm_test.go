package cdm

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleKVN = `CCSDS_CDM_VERS = 1.0
CREATION_DATE = 2024-03-01T02:10:00Z
ORIGINATOR = JSPOC
COMMENT screening run 42
TCA = 2024-03-02T11:22:33.500Z
MISS_DISTANCE = 250.0 [m]
RELATIVE_SPEED = 14100.0 [m/s]
REF_FRAME = GCRF
HARD_BODY_RADIUS = 10 [m]
CR_R = 100.0 [m**2]
CT_R = 10.0 [m**2]
CT_T = 200.0 [m**2]
CN_R = 1.0 [m**2]
CN_T = 2.0 [m**2]
CN_N = 50.0 [m**2]

OBJECT = OBJECT1
OBJECT_NAME = SENTINEL-7
NORAD_CAT_ID = 45678
X = 6771.1 [km]
Y = -1203.4 [km]
Z = 0.5 [km]
X_DOT = 1.2 [km/s]
Y_DOT = 7.1 [km/s]
Z_DOT = -0.3 [km/s]

OBJECT = OBJECT2
OBJECT_NAME = COSMOS 2251 DEB
NORAD_CAT_ID = 34521
X = 6771.0 [km]
Y = -1203.2 [km]
Z = 0.4 [km]
X_DOT = -1.0 [km/s]
Y_DOT = -6.9 [km/s]
Z_DOT = 0.4 [km/s]
`

func TestParse_FullMessage(t *testing.T) {
	t.Parallel()

	rec, err := Parse(sampleKVN)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rec.Originator != "JSPOC" || rec.Version != "1.0" {
		t.Errorf("header = %q/%q", rec.Originator, rec.Version)
	}
	wantTCA := time.Date(2024, 3, 2, 11, 22, 33, 500_000_000, time.UTC)
	if !rec.TCA.Equal(wantTCA) {
		t.Errorf("TCA = %s, want %s", rec.TCA, wantTCA)
	}

	// Unit normalization happens at parse time: metres in, km out.
	if rec.MissKm != 0.25 {
		t.Errorf("MissKm = %v, want 0.25", rec.MissKm)
	}
	if rec.RelSpeedKmS == nil || *rec.RelSpeedKmS != 14.1 {
		t.Errorf("RelSpeedKmS = %v, want 14.1", rec.RelSpeedKmS)
	}
	if rec.HardBodyRadiusKm == nil || *rec.HardBodyRadiusKm != 0.01 {
		t.Errorf("HardBodyRadiusKm = %v, want 0.01", rec.HardBodyRadiusKm)
	}

	if rec.Object1.NoradID != 45678 || rec.Object1.Name != "SENTINEL-7" {
		t.Errorf("object1 = %+v", rec.Object1)
	}
	if rec.Object2.NoradID != 34521 {
		t.Errorf("object2 = %+v", rec.Object2)
	}
	if rec.Object1.Position.X != 6771.1 || rec.Object2.Velocity.Z != 0.4 {
		t.Errorf("state vectors not captured")
	}

	c := rec.Covariance
	if c == nil {
		t.Fatal("covariance missing")
	}
	// 100 m² = 1e-4 km², mirrored symmetric.
	if c[0][0] != 1e-4 || c[1][1] != 2e-4 || c[2][2] != 5e-5 {
		t.Errorf("covariance diagonal = %v %v %v", c[0][0], c[1][1], c[2][2])
	}
	if c[0][1] != c[1][0] || c[0][2] != c[2][0] || c[1][2] != c[2][1] {
		t.Error("covariance not symmetric")
	}
	if c[0][1] != 1e-5 {
		t.Errorf("CT_R = %v, want 1e-5", c[0][1])
	}
}

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	first, err := Parse(sampleKVN)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	again, err := Parse(Marshal(first))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Errorf("round trip diverged:\nfirst: %+v\nagain: %+v", first, again)
	}
}

func TestParse_MissingRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		drop   string
		expect string
	}{
		{"no TCA", "TCA", "TCA"},
		{"no miss distance", "MISS_DISTANCE", "MISS_DISTANCE"},
		{"no object1 catalog id", "NORAD_CAT_ID = 45678", "OBJECT1.NORAD_CAT_ID"},
		{"no object2 Z_DOT", "Z_DOT = 0.4 [km/s]", "OBJECT2.Z_DOT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var text strings.Builder
			for _, line := range strings.Split(sampleKVN, "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), tc.drop) {
					continue
				}
				text.WriteString(line + "\n")
			}
			_, err := Parse(text.String())
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ParseError", err)
			}
			found := false
			for _, problem := range pe.Problems {
				var mf *MissingFieldError
				if errors.As(problem, &mf) && mf.Field == tc.expect {
					found = true
				}
			}
			if !found {
				t.Errorf("ParseError does not name %s: %v", tc.expect, err)
			}
		})
	}
}

func TestParse_MalformedValueNamesLine(t *testing.T) {
	t.Parallel()

	text := strings.Replace(sampleKVN, "MISS_DISTANCE = 250.0 [m]", "MISS_DISTANCE = twofifty [m]", 1)
	_, err := Parse(text)

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	var mv *MalformedValueError
	found := false
	for _, problem := range pe.Problems {
		if errors.As(problem, &mv) && mv.Key == "MISS_DISTANCE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ParseError does not flag MISS_DISTANCE: %v", err)
	}
	if mv.Line != 6 {
		t.Errorf("Line = %d, want 6", mv.Line)
	}
}

func TestParse_PartialCovarianceRejected(t *testing.T) {
	t.Parallel()

	text := strings.Replace(sampleKVN, "CN_N = 50.0 [m**2]\n", "", 1)
	_, err := Parse(text)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError for partial covariance", err)
	}
}

func TestParse_CovarianceOptional(t *testing.T) {
	t.Parallel()

	var text strings.Builder
	for _, line := range strings.Split(sampleKVN, "\n") {
		key := strings.TrimSpace(line)
		if strings.HasPrefix(key, "CR_R") || strings.HasPrefix(key, "CT_") || strings.HasPrefix(key, "CN_") {
			continue
		}
		text.WriteString(line + "\n")
	}
	rec, err := Parse(text.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Covariance != nil {
		t.Error("covariance should be nil when no covariance keys present")
	}
}

func TestParse_FortranExponents(t *testing.T) {
	t.Parallel()

	text := strings.Replace(sampleKVN, "CR_R = 100.0 [m**2]", "CR_R = 1.0D2 [m**2]", 1)
	rec, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Covariance[0][0] != 1e-4 {
		t.Errorf("CR_R = %v, want 1e-4", rec.Covariance[0][0])
	}
}

func TestParse_EmptyText(t *testing.T) {
	t.Parallel()

	if _, err := Parse(""); err == nil {
		t.Fatal("Parse accepted empty text")
	}
}
