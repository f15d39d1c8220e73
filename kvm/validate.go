//go:build linux

package kvm

import (
	"fmt"
	"strings"
)

// Validate returns an error if sys doesn't speak the stable API or lacks any
// of the required extensions.
func Validate(sys *System, required ...Cap) error {
	version, err := GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, StableAPIVersion)
	}

	var missing []string
	for _, cap := range required {
		val, err := CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ","))
	}

	return nil
}
