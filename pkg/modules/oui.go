package modules

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/A-MAD21/CMapper/pkg/types"
)

func macToInt(mac string) (uint64, bool) {
	if !types.IsMAC(mac) {
		return 0, false
	}
	flat := strings.ReplaceAll(types.NormalizeMAC(mac), ":", "")
	n, err := strconv.ParseUint(flat, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type ouiRange struct {
	start  uint64
	end    uint64
	vendor string
}

// OUITable maps MAC addresses to vendor names via address ranges.
type OUITable struct {
	ranges []ouiRange
}

// ParseOUITable reads a range table of the form
// "AA:BB:CC:00:00:00-AA:BB:CC:FF:FF:FF = Vendor". Malformed lines are
// skipped.
func ParseOUITable(r io.Reader) (*OUITable, error) {
	t := &OUITable{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, "=") || !strings.Contains(line, "-") {
			continue
		}
		left, vendor, _ := strings.Cut(line, "=")
		startStr, endStr, ok := strings.Cut(left, "-")
		if !ok {
			continue
		}
		vendor, _, _ = strings.Cut(vendor, ",")
		vendor = strings.TrimSpace(vendor)
		start, ok1 := macToInt(startStr)
		end, ok2 := macToInt(endStr)
		if !ok1 || !ok2 || vendor == "" {
			continue
		}
		t.ranges = append(t.ranges, ouiRange{start: start, end: end, vendor: vendor})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadOUITable reads a range table file. A missing file yields an
// empty table.
func LoadOUITable(path string) (*OUITable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &OUITable{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseOUITable(f)
}

// Lookup returns the vendor for a MAC, or "" if no range covers it.
func (t *OUITable) Lookup(mac string) string {
	n, ok := macToInt(mac)
	if !ok {
		return ""
	}
	// First match in file order wins.
	for _, r := range t.ranges {
		if n >= r.start && n <= r.end {
			return r.vendor
		}
	}
	return ""
}

// Vendors returns the set of vendor labels in the table, lowercased.
func (t *OUITable) Vendors() map[string]bool {
	out := make(map[string]bool, len(t.ranges))
	for _, r := range t.ranges {
		out[strings.ToLower(r.vendor)] = true
	}
	return out
}

// ParseTypeMap reads "vendor = type" lines mapping vendor names to
// device types.
func ParseTypeMap(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, "=") {
			continue
		}
		vendor, dtype, _ := strings.Cut(line, "=")
		vendor = strings.ToLower(strings.TrimSpace(vendor))
		dtype = strings.ToLower(strings.TrimSpace(dtype))
		if vendor != "" && dtype != "" {
			out[vendor] = dtype
		}
	}
	return out, scanner.Err()
}

// LoadTypeMap reads a vendor-to-type mapping file. A missing file
// yields an empty map.
func LoadTypeMap(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseTypeMap(f)
}
