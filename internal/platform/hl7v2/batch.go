package hl7v2

import "strings"

// Segment type tags the screening pipeline cares about.
const (
	HeaderTag  = "MSH"
	PatientTag = "PID"
	ResultTag  = "OBX"
)

// SegmentTerminator separates segments within a message.
const SegmentTerminator = "\r"

// SegmentGroup is the ordered list of trimmed segment lines that make up one
// message of a batch. The first line is always an MSH header.
type SegmentGroup []string

// SegmentTag returns the type tag of a segment line: everything before the
// first field separator, or the whole line when there is none.
func SegmentTag(line string) string {
	if i := strings.IndexByte(line, '|'); i >= 0 {
		return line[:i]
	}
	return line
}

// splitLines normalizes \r\n and \n to the segment terminator, splits, trims
// each line and drops the empty ones.
func splitLines(raw string) []string {
	text := strings.ReplaceAll(raw, "\r\n", SegmentTerminator)
	text = strings.ReplaceAll(text, "\n", SegmentTerminator)

	var lines []string
	for _, line := range strings.Split(text, SegmentTerminator) {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Tokenize splits a batch of messages into one SegmentGroup per MSH header,
// in input order. Lines before the first header have no group to join and
// are discarded; input without any header yields no groups.
func Tokenize(raw string) []SegmentGroup {
	var groups []SegmentGroup
	for _, line := range splitLines(raw) {
		if SegmentTag(line) == HeaderTag {
			groups = append(groups, SegmentGroup{line})
			continue
		}
		if len(groups) == 0 {
			continue
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], line)
	}
	return groups
}

// Segments parses every line of the group. Lines too short to carry a type
// tag are skipped.
func (g SegmentGroup) Segments() []Segment {
	segs := make([]Segment, 0, len(g))
	for _, line := range g {
		seg, err := parseSegment(line)
		if err != nil {
			continue
		}
		segs = append(segs, seg)
	}
	return segs
}

// Header returns the parsed MSH segment of the group, or nil for an empty group.
func (g SegmentGroup) Header() *Segment {
	if len(g) == 0 {
		return nil
	}
	seg, err := parseSegment(g[0])
	if err != nil || seg.Name != HeaderTag {
		return nil
	}
	return &seg
}

// ControlID returns MSH-10 of the group's header.
func (g SegmentGroup) ControlID() string {
	if h := g.Header(); h != nil {
		return h.GetField(10)
	}
	return ""
}

// String joins the group back into one message with segment terminators.
func (g SegmentGroup) String() string {
	return strings.Join(g, SegmentTerminator)
}

// first returns the first segment carrying the given tag.
func (g SegmentGroup) first(tag string) *Segment {
	for _, line := range g {
		if SegmentTag(line) != tag {
			continue
		}
		seg, err := parseSegment(line)
		if err != nil {
			continue
		}
		return &seg
	}
	return nil
}
