// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package qemu

import (
	"strings"

	"github.com/vmjoule/vmjoule/internal/sensor"
)

// guest process signatures: the emulator binary name used by plain
// qemu, and the path libvirt launches guests under on Debian hosts
const (
	qemuSignature = "qemu-system"
	kvmSignature  = "/usr/bin/kvm"
)

// IsGuestCmdline reports whether a command line looks like a QEMU/KVM
// guest process.
func IsGuestCmdline(cmdline []string) bool {
	for _, token := range cmdline {
		if strings.Contains(token, qemuSignature) || strings.Contains(token, kvmSignature) {
			return true
		}
	}
	return false
}

// guestProcessChains keeps only the record chains whose most recent
// command line looks like a QEMU/KVM guest process.
func guestProcessChains(chains [][]sensor.ProcessRecord) [][]sensor.ProcessRecord {
	guests := make([][]sensor.ProcessRecord, 0, len(chains))
	for _, chain := range chains {
		if len(chain) == 0 {
			continue
		}
		if IsGuestCmdline(chain[len(chain)-1].Cmdline) {
			guests = append(guests, chain)
		}
	}
	return guests
}

// VMNameFromCmdline extracts the guest name from a QEMU command line.
// A guest=<name> marker always wins; the value ends at the next comma
// (libvirt passes "-name guest=<domain>,debug-threads=on"). Without it,
// a literal -id flag followed by its value is used, which is how
// Proxmox identifies its guests. Returns "" when neither marker is
// present; callers must treat an empty name as unusable or the VM would
// be exported onto the shared parent directory.
func VMNameFromCmdline(cmdline []string) string {
	for _, token := range cmdline {
		if !strings.HasPrefix(token, "guest=") {
			continue
		}
		name := strings.Split(token, "=")[1]
		if i := strings.IndexByte(name, ','); i >= 0 {
			name = name[:i]
		}
		return name
	}

	for i := 0; i+1 < len(cmdline); i++ {
		if cmdline[i] == "-id" {
			return cmdline[i+1]
		}
	}
	return ""
}
