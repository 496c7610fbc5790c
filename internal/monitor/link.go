package monitor

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// LinkChecker reports whether the device has a network path at all.
type LinkChecker interface {
	Up() (bool, error)
}

// RouteChecker treats the link as up when an IPv4 default route exists.
type RouteChecker struct {
	list func(link netlink.Link, family int) ([]netlink.Route, error)
}

func NewRouteChecker() *RouteChecker {
	return &RouteChecker{list: netlink.RouteList}
}

func (r *RouteChecker) Up() (bool, error) {
	routes, err := r.list(nil, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if isDefault(route) {
			return true, nil
		}
	}
	return false, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}
