package types

import (
	"regexp"
	"strings"
)

var (
	macFlatRe = regexp.MustCompile(`^[0-9A-Fa-f]{12}$`)
	macDelims = strings.NewReplacer(":", "", "-", "", ".", "")
)

// NormalizeMAC canonicalises a MAC address to uppercase colon form.
// Colon, dash, Cisco dot and flat notations are accepted; anything
// else is returned trimmed and unchanged.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(mac)
	flat := macDelims.Replace(mac)
	if !macFlatRe.MatchString(flat) {
		return mac
	}
	flat = strings.ToUpper(flat)
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, flat[i:i+2])
	}
	return strings.Join(parts, ":")
}

// IsMAC reports whether s is a MAC address in any accepted notation.
func IsMAC(s string) bool {
	return macFlatRe.MatchString(macDelims.Replace(strings.TrimSpace(s)))
}
