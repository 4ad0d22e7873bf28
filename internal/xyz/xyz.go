// Package xyz reads and writes the plain-text point format produced by the
// silo scanners: one point per line, three whitespace-separated coordinates.
package xyz

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Point is a single scanner return in scan length units.
type Point struct {
	X, Y, Z float64
}

// maxLineBytes bounds a single line. Real lines are ~30 bytes.
const maxLineBytes = 64 * 1024

// ParseError reports the first malformed line of a payload.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Parse decodes every non-blank line of payload into a Point.
func Parse(payload string) ([]Point, error) {
	points := make([]Point, 0, strings.Count(payload, "\n")+1)
	err := scan(payload, func(p Point) { points = append(points, p) })
	if err != nil {
		return nil, err
	}
	return points, nil
}

// Validate checks payload without keeping the points and returns the point
// count. An empty payload is an error.
func Validate(payload string) (int, error) {
	n := 0
	if err := scan(payload, func(Point) { n++ }); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("payload contains no points")
	}
	return n, nil
}

func scan(payload string, emit func(Point)) error {
	sc := bufio.NewScanner(strings.NewReader(payload))
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p, err := parseLine(line)
		if err != nil {
			return &ParseError{Line: lineNo, Text: line, Msg: err.Error()}
		}
		emit(p)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read points: %w", err)
	}
	return nil
}

func parseLine(line string) (Point, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Point{}, fmt.Errorf("expected 3 coordinates, got %d", len(fields))
	}
	var v [3]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Point{}, fmt.Errorf("invalid coordinate %q", f)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Point{}, fmt.Errorf("non-finite coordinate %q", f)
		}
		v[i] = x
	}
	return Point{X: v[0], Y: v[1], Z: v[2]}, nil
}

// CountPoints returns the number of non-blank lines in payload.
func CountPoints(payload string) int {
	n := 0
	for _, line := range strings.Split(payload, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// Join concatenates fragment payloads in the given order. Each part is
// newline-terminated so the last point of one fragment never runs into the
// first point of the next.
func Join(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimRight(p, "\r\n")
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// Format renders points back into the text format.
func Format(points []Point) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(strconv.FormatFloat(p.X, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(p.Y, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(p.Z, 'f', -1, 64))
		b.WriteByte('\n')
	}
	return b.String()
}
