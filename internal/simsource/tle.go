// Package simsource answers the upstream satellite API's catalog and
// trajectory queries from a local TLE set, so the proxy and the viewer can
// run without an API key.
package simsource

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// Object is one propagatable satellite.
type Object struct {
	ID         int
	Name       string
	Designator string
	// Category is the upstream's numeric category id; zero means none.
	Category   int
	Line1      string
	Line2      string
	Epoch      time.Time

	sat satellite.Satellite
}

// NewObject parses a two-line element set.
func NewObject(name, line1, line2 string) (*Object, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)
	if len(line1) < 69 || len(line2) < 69 || line1[0] != '1' || line2[0] != '2' {
		return nil, fmt.Errorf("tle %q: malformed element lines", name)
	}
	id, err := strconv.Atoi(strings.TrimSpace(line1[2:7]))
	if err != nil {
		return nil, fmt.Errorf("tle %q: catalog number: %w", name, err)
	}
	epoch, err := parseEpoch(line1[18:32])
	if err != nil {
		return nil, fmt.Errorf("tle %q: %w", name, err)
	}
	return &Object{
		ID:         id,
		Name:       strings.TrimSpace(name),
		Designator: formatDesignator(line1[9:17]),
		Line1:      line1,
		Line2:      line2,
		Epoch:      epoch,
		sat:        satellite.TLEToSat(line1, line2, satellite.GravityWGS72),
	}, nil
}

// parseEpoch reads the YYDDD.DDDDDDDD epoch field.
func parseEpoch(field string) (time.Time, error) {
	field = strings.TrimSpace(field)
	if len(field) < 5 {
		return time.Time{}, fmt.Errorf("epoch %q too short", field)
	}
	yy, err := strconv.Atoi(field[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch year: %w", err)
	}
	days, err := strconv.ParseFloat(field[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch day: %w", err)
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	whole := math.Floor(days)
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(whole)-1)
	return start.Add(time.Duration((days - whole) * float64(24*time.Hour))), nil
}

// formatDesignator turns "98067A  " into "1998-067A".
func formatDesignator(field string) string {
	field = strings.TrimSpace(field)
	if len(field) < 5 {
		return field
	}
	yy, err := strconv.Atoi(field[:2])
	if err != nil {
		return field
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	return fmt.Sprintf("%d-%s", year, field[2:])
}

// ParseTLEs reads three-line records: a name line followed by the two
// element lines. Blank lines are skipped.
func ParseTLEs(r io.Reader) ([]*Object, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), " \r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tle: %w", err)
	}
	if len(lines)%3 != 0 {
		return nil, fmt.Errorf("read tle: %d lines is not a whole number of records", len(lines))
	}

	out := make([]*Object, 0, len(lines)/3)
	for i := 0; i < len(lines); i += 3 {
		obj, err := NewObject(strings.TrimPrefix(lines[i], "0 "), lines[i+1], lines[i+2])
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// LoadTLEFile reads a TLE file from disk.
func LoadTLEFile(path string) ([]*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTLEs(f)
}

const defaultTLEs = `ISS (ZARYA)
1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9993
2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257767
HST
1 20580U 90037B   21275.53799823  .00000855  00000-0  42591-4 0  9990
2 20580  28.4694 116.4869 0002690 116.0744 350.7556 15.10007224523008
NOAA 19
1 33591U 09005A   21275.54828750  .00000081  00000-0  69964-4 0  9998
2 33591  99.1596 294.4526 0013729 241.0880 118.8898 14.12501077652441
`

// DefaultObjects returns the built-in set: ISS, HST and NOAA 19.
func DefaultObjects() []*Object {
	objs, err := ParseTLEs(strings.NewReader(defaultTLEs))
	if err != nil {
		panic(err)
	}
	categories := map[int]int{25544: 18, 20580: 1, 33591: 3}
	for _, o := range objs {
		o.Category = categories[o.ID]
	}
	return objs
}
