// Package firewall derives packet-filter allow rules from the shared
// state and keeps the host filter table in sync with them.
//
// Derivation is a pure function State -> sorted []AllowRule. The
// reconciler diffs consecutive derivations with a two-pointer merge
// over the sorted lists and emits the minimal add/delete command
// sequence, which keeps the emitted command order deterministic and
// testable.
package firewall

import (
	"net/netip"
	"slices"

	"github.com/Start9Labs/startwrt/internal/state"
)

// Zone is a labeled side of the filter graph. The ordering Lan < Wan
// is part of the rule sort order.
type Zone int

const (
	// ZoneLan is the station-facing side.
	ZoneLan Zone = iota
	// ZoneWan is the upstream side.
	ZoneWan
)

// String returns the zone's name as used in chain names.
func (z Zone) String() string {
	if z == ZoneWan {
		return "wan"
	}
	return "lan"
}

// AllowRule is a canonical, comparable description of one permit rule,
// independent of the filter CLI. Zero-valued netip.Addr fields and the
// empty MAC mean "unset"; unset sorts before set.
type AllowRule struct {
	SrcZone Zone
	SrcIP   netip.Addr
	SrcMAC  string
	DstZone Zone
	DstIP   netip.Addr
}

// Compare orders rules lexicographically by
// (SrcZone, SrcIP, SrcMAC, DstZone, DstIP).
func (r AllowRule) Compare(o AllowRule) int {
	if c := int(r.SrcZone) - int(o.SrcZone); c != 0 {
		return c
	}
	if c := compareAddr(r.SrcIP, o.SrcIP); c != 0 {
		return c
	}
	if c := compareString(r.SrcMAC, o.SrcMAC); c != 0 {
		return c
	}
	if c := int(r.DstZone) - int(o.DstZone); c != 0 {
		return c
	}
	return compareAddr(r.DstIP, o.DstIP)
}

// compareAddr orders addresses with unset before set.
func compareAddr(a, b netip.Addr) int {
	switch {
	case !a.IsValid() && !b.IsValid():
		return 0
	case !a.IsValid():
		return -1
	case !b.IsValid():
		return 1
	default:
		return a.Compare(b)
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Derive computes the allow rules for a state snapshot. The result is
// sorted and duplicate-free; two calls on the same state are equal.
func Derive(s *state.State) []AllowRule {
	var rules []AllowRule

	for id, conn := range s.Connections {
		if conn.Profile == "" {
			continue
		}
		profile, ok := s.Config.Profiles[conn.Profile]
		if !ok {
			continue
		}

		for ip := range conn.IPs {
			if profile.Wan {
				rules = append(rules, AllowRule{
					SrcZone: ZoneLan,
					SrcIP:   ip,
					SrcMAC:  id.MAC,
					DstZone: ZoneWan,
				})
			}

			switch profile.Lan.Kind {
			case state.LanAllDevices:
				rules = append(rules, AllowRule{
					SrcZone: ZoneLan,
					SrcIP:   ip,
					SrcMAC:  id.MAC,
					DstZone: ZoneLan,
				})
			case state.LanNoDevices:
			case state.LanOtherProfile:
				rules = append(rules, pairRules(s, id.MAC, ip, profile.Lan.Profiles)...)
			}
		}
	}

	slices.SortFunc(rules, AllowRule.Compare)
	return slices.CompactFunc(rules, func(a, b AllowRule) bool {
		return a.Compare(b) == 0
	})
}

// pairRules emits the LAN rules allowing (srcMAC, srcIP) to reach every
// other station holding one of the listed profiles. Only IPv4 pairs are
// emitted: v6-to-v6 forwarding is excluded until the policy for it is
// settled, and cross-family pairs are meaningless.
func pairRules(s *state.State, srcMAC string, srcIP netip.Addr, dstProfiles []string) []AllowRule {
	if !srcIP.Is4() {
		return nil
	}

	var rules []AllowRule
	for otherID, other := range s.Connections {
		if otherID.MAC == srcMAC || other.Profile == "" {
			continue
		}
		if !slices.Contains(dstProfiles, other.Profile) {
			continue
		}
		for dstIP := range other.IPs {
			if !dstIP.Is4() {
				continue
			}
			rules = append(rules, AllowRule{
				SrcZone: ZoneLan,
				SrcIP:   srcIP,
				SrcMAC:  srcMAC,
				DstZone: ZoneLan,
				DstIP:   dstIP,
			})
		}
	}
	return rules
}
