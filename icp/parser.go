package icp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ParseCloudFile reads an .xyz point file: one point per line as
// "x y z [nx ny nz]", whitespace separated.
func ParseCloudFile(path string) (*PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading point file: %w", err)
	}
	defer f.Close()

	pc, err := ParseCloud(f)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return pc, nil
}

// ParseCloud parses point rows from r. Blank lines and lines starting with
// '#' are skipped. Every row must have the same column count, either 3 or 6;
// normals are normalised to unit length on load.
func ParseCloud(r io.Reader) (*PointCloud, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	pc := &PointCloud{}
	columns := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 && len(fields) != 6 {
			return nil, &ParseError{Line: line, Columns: len(fields), Reason: "expected 3 or 6 columns"}
		}
		if columns == 0 {
			columns = len(fields)
		} else if len(fields) != columns {
			return nil, &ParseError{Line: line, Columns: len(fields), Reason: fmt.Sprintf("expected %d columns like previous rows", columns)}
		}

		var vals [6]float64
		for i, tok := range fields {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &ParseError{Line: line, Columns: len(fields), Token: tok, Reason: "non-numeric token"}
			}
			vals[i] = v
		}

		pc.Points = append(pc.Points, r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]})
		if columns == 6 {
			n := r3.Vec{X: vals[3], Y: vals[4], Z: vals[5]}
			norm := r3.Norm(n)
			if norm < 1e-12 {
				return nil, &ParseError{Line: line, Columns: len(fields), Token: fields[3] + " " + fields[4] + " " + fields[5], Reason: "zero-length normal"}
			}
			pc.Normals = append(pc.Normals, r3.Scale(1/norm, n))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning point file: %w", err)
	}

	if len(pc.Points) == 0 {
		return nil, ErrEmptyPointCloud
	}
	return pc, nil
}

// WriteCloud writes pc in the same row format ParseCloud reads.
func WriteCloud(w io.Writer, pc *PointCloud) error {
	bw := bufio.NewWriter(w)
	for i, p := range pc.Points {
		var err error
		if pc.HasNormals() {
			n := pc.Normals[i]
			_, err = fmt.Fprintf(bw, "%.17g %.17g %.17g %.17g %.17g %.17g\n", p.X, p.Y, p.Z, n.X, n.Y, n.Z)
		} else {
			_, err = fmt.Fprintf(bw, "%.17g %.17g %.17g\n", p.X, p.Y, p.Z)
		}
		if err != nil {
			return fmt.Errorf("writing point %d: %w", i, err)
		}
	}
	return bw.Flush()
}
