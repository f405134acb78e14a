package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// MachineID hashes host identifiers into the stable device fingerprint
// stored in credentials and activation records. Parts are trimmed,
// lower-cased and sorted, so the order they are collected in does not
// matter. Empty parts are ignored.
func MachineID(parts ...string) string {
	norm := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			norm = append(norm, p)
		}
	}
	sort.Strings(norm)

	sum := sha256.Sum256([]byte(strings.Join(norm, "|")))
	return hex.EncodeToString(sum[:])
}

// LocalMachineID derives MachineID from the hostname, the OS and
// architecture, and the first hardware address of an up, non-loopback
// interface.
func LocalMachineID() string {
	parts := []string{runtime.GOOS, runtime.GOARCH}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, "host="+host)
	}
	if mac := primaryMAC(); mac != "" {
		parts = append(parts, "mac="+mac)
	}
	return MachineID(parts...)
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}
