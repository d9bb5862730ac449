package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/A-MAD21/CMapper/pkg/types"
)

// EnforceOUI renames devices whose name is a bare MAC address using
// the OUI vendor table, and optionally assigns a device type from a
// vendor-to-type mapping. It works entirely from the site snapshot.
type EnforceOUI struct{}

// NewEnforceOUI creates the OUI enforcement module.
func NewEnforceOUI() *EnforceOUI { return &EnforceOUI{} }

func (e *EnforceOUI) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		ID:          "enforce_oui",
		Name:        "Enforce OUI Table",
		Description: "Renames MAC-named devices using OUI vendor labels.",
		NaturalKey:  types.KeyMAC,
		Parameters: []types.ParamSpec{
			{Name: "oui_table", Description: "Path to the OUI vendor range table", Required: true},
			{Name: "type_map", Description: "Path to a vendor-to-type mapping file"},
		},
	}
}

func (e *EnforceOUI) Run(ctx context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error) {
	ouiTable, err := LoadOUITable(cfg.Param("oui_table", ""))
	if err != nil {
		return errorResult("failed to load OUI table: %v", err), nil
	}
	typeMap, err := LoadTypeMap(cfg.Param("type_map", ""))
	if err != nil {
		return errorResult("failed to load type map: %v", err), nil
	}
	knownVendors := ouiTable.Vendors()

	result := &types.DiscoveryResult{Status: types.ResultSuccess}
	for _, dev := range cfg.Existing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if dev.MAC == "" {
			continue
		}
		vendor := ouiTable.Lookup(dev.MAC)
		if vendor == "" {
			continue
		}

		reported := types.ReportedDevice{MAC: dev.MAC}
		changed := false

		nameNorm := strings.ToLower(strings.TrimSpace(dev.Name))
		if types.IsMAC(dev.Name) || nameNorm == strings.ToLower(dev.Vendor) || knownVendors[nameNorm] {
			reported.Name = vendor
			reported.Overwrite = true
			changed = true
		}
		if dev.Vendor != vendor {
			reported.Vendor = vendor
			changed = true
		}
		if mapped := typeMap[strings.ToLower(vendor)]; mapped != "" {
			current := strings.ToLower(dev.Type)
			if current == "" || current == "unknown" || !strings.EqualFold(dev.Vendor, vendor) {
				reported.Type = mapped
				changed = true
			}
		}

		if changed {
			rep.Logf("updating %s: vendor %s", dev.MAC, vendor)
			result.Devices = append(result.Devices, reported)
		}
	}
	result.Message = fmt.Sprintf("OUI enforcement updated %d devices", len(result.Devices))
	return result, nil
}
