package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a single parsed HL7v2 message (one MSH and the segments
// that follow it).
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses one raw HL7v2 message into a structured Message. Unlike
// Tokenize it requires the input to start with MSH. Lines too short to
// carry a type tag are skipped. It is used where one frame is expected,
// e.g. MLLP; a frame holding several MSH messages keeps them all, and
// Tokenize(msg.Group().String()) splits them again.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	lines := splitLines(string(raw))
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if SegmentTag(lines[0]) != HeaderTag {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", SegmentTag(lines[0]))
	}

	msg := &Message{Segments: SegmentGroup(lines).Segments()}
	msg.extractMSHFields()
	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{Name: SegmentTag(line)}

	// MSH is special: the field separator (|) is MSH-1 itself, so
	// Fields[0] holds "|" and Fields[1] holds the encoding characters.
	if seg.Name == HeaderTag {
		seg.Fields = append(seg.Fields, Field{Value: "|", Components: []string{"|"}})
		if len(line) <= len(HeaderTag)+1 {
			return seg, nil
		}
		for _, part := range strings.Split(line[len(HeaderTag)+1:], "|") {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	// Normal segments: name|field1|field2|...
	parts := strings.SplitN(line, "|", 2)
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
// Components always refer to the first repetition.
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields copies the commonly used MSH fields into the Message.
// MSH indexing: Fields[0]=MSH-1 (|), Fields[1]=MSH-2 (^~\&), Fields[n]=MSH-(n+1).
func (m *Message) extractMSHFields() {
	msh := m.GetSegment(HeaderTag)
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Group returns the message as a SegmentGroup of serialized segment lines,
// so a single framed message can go through the same extraction path as a
// tokenized batch.
func (m *Message) Group() SegmentGroup {
	group := make(SegmentGroup, 0, len(m.Segments))
	for _, seg := range m.Segments {
		group = append(group, serializeSegment(seg))
	}
	return group
}

// GetField returns the value of a field by 1-based HL7 index (PID-7 is
// GetField(7)). For MSH, MSH-1 is the field separator itself.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component
// indices (OBX-3.2 is GetComponent(3, 2)). Missing fields or components
// yield "".
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}
