package cunqa

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

/*
BestLocalIPv4 picks the address a co-located QPU binds to: the IPv4 of
the fastest usable interface on this node. Loopback, admin-down and
oper-down links are skipped, as is anything without an IPv4 address.
Rate comes from sysfs (Ethernet speed, or the InfiniBand port rate for
IPoIB links); ties keep the first link enumerated.
*/
func BestLocalIPv4() (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", errors.Wrap(err, "listing links")
	}

	best := ""
	bestRate := -1.0
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if attrs.Flags&net.FlagUp == 0 {
			continue
		}
		if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil || len(addrs) == 0 {
			continue
		}
		if rate := linkRateMbps(attrs.Name); rate > bestRate {
			bestRate = rate
			best = addrs[0].IP.String()
		}
	}
	if best == "" {
		return "", errors.New("no usable IPv4 interface")
	}
	return best, nil
}

// linkRateMbps reads the advertised link rate in Mb/s, trying the
// Ethernet speed file first and the InfiniBand port rate second.
// Unknown rates count as zero so the link still qualifies.
func linkRateMbps(name string) float64 {
	if data, err := os.ReadFile(filepath.Join("/sys/class/net", name, "speed")); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil && v > 0 {
			return v
		}
	}
	// IPoIB: /sys/class/net/<nic>/device/infiniband/<hca>/ports/<n>/rate
	// holds e.g. "100 Gb/sec (4X EDR)".
	pattern := filepath.Join("/sys/class/net", name, "device", "infiniband", "*", "ports", "*", "rate")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return 0
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return 0
	}
	return parseIBRate(string(data))
}

// parseIBRate converts an InfiniBand rate line to Mb/s.
func parseIBRate(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	if strings.HasPrefix(fields[1], "Gb") {
		return v * 1000
	}
	return v
}
