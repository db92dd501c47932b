//go:build !linux

package transport

import "tinygo.org/x/bluetooth"

// Custom adapter IDs are only supported by BlueZ.
func resolveAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
