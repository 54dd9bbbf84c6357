package hl7v2

import "time"

// PatientContext holds the demographics of one message. Nil fields are
// unknown, never zero.
type PatientContext struct {
	Age    *int    `json:"age"`
	Gender *string `json:"gender"`
}

// Observation is one reported result taken from an OBX segment.
type Observation struct {
	Code     string `json:"code"`
	Unit     string `json:"unit"`
	RawValue string `json:"value"`
}

// ExtractContext derives the patient context from the first PID segment of
// the group. Age is now's year minus the birth year in PID-7 (YYYYMMDD);
// gender is PID-8 taken verbatim. A group without PID yields an empty
// context.
func ExtractContext(group SegmentGroup, now time.Time) PatientContext {
	pid := group.first(PatientTag)
	if pid == nil {
		return PatientContext{}
	}

	var pc PatientContext
	if year, ok := birthYear(pid.GetField(7)); ok {
		age := now.Year() - year
		pc.Age = &age
	}
	if gender := pid.GetField(8); gender != "" {
		pc.Gender = &gender
	}
	return pc
}

// birthYear reads the YYYY prefix of a YYYYMMDD date. Only four ASCII
// digits are accepted.
func birthYear(dob string) (int, bool) {
	if len(dob) < 4 {
		return 0, false
	}
	year := 0
	for _, c := range []byte(dob[:4]) {
		if c < '0' || c > '9' {
			return 0, false
		}
		year = year*10 + int(c-'0')
	}
	return year, true
}

// ExtractObservations returns one Observation per OBX segment carrying a
// code (OBX-3.2), a value (OBX-5.1) and a unit (OBX-6.1). Segments missing
// any of the three are skipped.
func ExtractObservations(group SegmentGroup) []Observation {
	var out []Observation
	for _, line := range group {
		if SegmentTag(line) != ResultTag {
			continue
		}
		seg, err := parseSegment(line)
		if err != nil {
			continue
		}

		obs := Observation{
			Code:     seg.GetComponent(3, 2),
			Unit:     seg.GetComponent(6, 1),
			RawValue: seg.GetComponent(5, 1),
		}
		if obs.Code == "" || obs.Unit == "" || obs.RawValue == "" {
			continue
		}
		out = append(out, obs)
	}
	return out
}
