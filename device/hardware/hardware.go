// Package hardware is the placeholder for the production NPM silicon backend.
//
// Builds without the vendor SDK register a constructor that fails with a clear message, so
// NPM_DEVICE=hardware is a setup error rather than a silent fallback.
package hardware

import (
	"github.com/pkg/errors"

	"github.com/frank-ceva/npmemu/device"
)

func init() {
	device.Register("hardware", func() (device.Device, error) {
		return nil, errors.New("NPM hardware backend is not available in this build (built without the NPM SDK)")
	})
}
