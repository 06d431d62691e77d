// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// VRAMLimitPercentEnv is the environment variable with the percentage of the physical memory
// that devices are allowed to use, an integer from 0 to 100.
const VRAMLimitPercentEnv = "NOUVEAU_LIBDRM_VRAM_LIMIT_PERCENT"

// DefaultVRAMLimitPercent is used if VRAMLimitPercentEnv is not set, or not valid.
const DefaultVRAMLimitPercent = 80

// DeviceConfig holds the configuration of a new device.
type DeviceConfig struct {
	// VRAMLimitPercent is the percentage of the physical memory the device is allowed to use, an integer
	// from 0 to 100, in the same format as the VRAMLimitPercentEnv environment variable.
	// If empty the environment variable is used.
	VRAMLimitPercent string
}

// vramLimitPercent resolves the VRAM budget percentage from the config, or else from the environment.
// Invalid values are logged and replaced by DefaultVRAMLimitPercent.
func (c DeviceConfig) vramLimitPercent() int {
	value, source := c.VRAMLimitPercent, "DeviceConfig.VRAMLimitPercent"
	if value == "" {
		var found bool
		value, found = os.LookupEnv(VRAMLimitPercentEnv)
		if !found {
			return DefaultVRAMLimitPercent
		}
		source = "$" + VRAMLimitPercentEnv
	}
	percent, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		klog.Warningf("invalid %s=%q, using %d%%: %v", source, value, DefaultVRAMLimitPercent, err)
		return DefaultVRAMLimitPercent
	}
	if percent < 0 || percent > 100 {
		klog.Warningf("%s=%d out of range [0, 100], using %d%%", source, percent, DefaultVRAMLimitPercent)
		return DefaultVRAMLimitPercent
	}
	return percent
}

// VRAMBudget returns the part of total the driver is allowed to use, total*percent/100 truncated,
// computed without overflowing.
func VRAMBudget(total uint64, percent int) uint64 {
	p := uint64(percent)
	return total/100*p + total%100*p/100
}
