package modules

import (
	"context"
	"fmt"
	"strconv"

	"github.com/A-MAD21/CMapper/pkg/types"
)

// Config carries everything a module needs for one run. DatabasePath
// points at the topology database file; modules normally work from the
// Existing snapshot instead of opening it, but the path is part of the
// contract for modules that shell out to external tools.
type Config struct {
	Site         string
	Parameters   map[string]string
	DatabasePath string

	// Existing is a read-only snapshot of the site's devices at launch
	// time, for modules that transform what is already known.
	Existing []*types.Device
}

// Param returns a parameter value, falling back to the given default.
func (c Config) Param(name, def string) string {
	if v, ok := c.Parameters[name]; ok && v != "" {
		return v
	}
	return def
}

// IntParam returns a parameter parsed as an integer, falling back to
// the given default on absence or parse failure.
func (c Config) IntParam(name string, def int) int {
	v, ok := c.Parameters[name]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// BoolParam returns a parameter parsed as a boolean.
func (c Config) BoolParam(name string, def bool) bool {
	v, ok := c.Parameters[name]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Reporter is the module's channel back to its job: log lines and
// coarse progress. Implementations are owned by the runner.
type Reporter interface {
	Logf(format string, args ...interface{})
	Progress(percent int)
}

// Module is one discovery capability. Run blocks until done or until
// ctx is cancelled; a returned error means the module itself broke, a
// result with status error means it ran and found the inputs unusable.
type Module interface {
	Descriptor() types.ModuleDescriptor
	Run(ctx context.Context, cfg Config, rep Reporter) (*types.DiscoveryResult, error)
}

// ValidateParams checks cfg against the descriptor's required parameters.
func ValidateParams(desc types.ModuleDescriptor, cfg Config) error {
	for _, p := range desc.Parameters {
		if !p.Required {
			continue
		}
		if v := cfg.Parameters[p.Name]; v == "" {
			return fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	return nil
}

func errorResult(format string, args ...interface{}) *types.DiscoveryResult {
	return &types.DiscoveryResult{
		Status:  types.ResultError,
		Message: fmt.Sprintf(format, args...),
	}
}
