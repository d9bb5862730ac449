package modules

import (
	"context"
	"fmt"
	"net"

	"github.com/A-MAD21/CMapper/pkg/types"
)

// AddDevice is the manual-entry module: it reports exactly one device
// described by its parameters.
type AddDevice struct{}

// NewAddDevice creates the manual add module.
func NewAddDevice() *AddDevice { return &AddDevice{} }

func (a *AddDevice) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		ID:          "add_device",
		Name:        "Add Device Manually",
		Description: "Adds a single device to the site by IP address.",
		NaturalKey:  types.KeyIP,
		Parameters: []types.ParamSpec{
			{Name: "ip", Description: "Device IP address", Required: true},
			{Name: "name", Description: "Device name", Required: true},
			{Name: "device_type", Description: "Device type", Default: "router"},
		},
	}
}

func (a *AddDevice) Run(_ context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error) {
	ip := cfg.Param("ip", "")
	name := cfg.Param("name", "")
	deviceType := cfg.Param("device_type", "router")

	if net.ParseIP(ip) == nil {
		return errorResult("invalid IP address %q", ip), nil
	}

	rep.Logf("adding device %s (%s) to site %s", name, ip, cfg.Site)
	rep.Progress(90)

	return &types.DiscoveryResult{
		Status:  types.ResultSuccess,
		Message: fmt.Sprintf("Device %q (%s) added to site %q", name, ip, cfg.Site),
		Devices: []types.ReportedDevice{{
			Name:      name,
			IP:        ip,
			Type:      deviceType,
			Status:    types.DeviceStatusUnknown,
			Notes:     "Added manually",
			Overwrite: true,
		}},
	}, nil
}
