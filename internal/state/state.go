// Package state holds the daemon's shared view of who is connected to
// the gateway and which security profile applies to them.
//
// The State value lives inside a watch.Watch; the monitors mutate it
// through SendModify/SendNoModify and the reconciler reads snapshots.
// All mutation helpers re-derive the per-connection profile so that it
// is always a pure function of (key_id, interface, config).
package state

import (
	"net/netip"

	"github.com/Start9Labs/startwrt/internal/watch"
)

// -------------------------------------------------------------------------
// Operator configuration
// -------------------------------------------------------------------------

// LanAccessKind selects which LAN peers a profile may reach.
type LanAccessKind int

const (
	// LanNoDevices forbids all LAN-side forwarding.
	LanNoDevices LanAccessKind = iota
	// LanAllDevices allows forwarding to every LAN device.
	LanAllDevices
	// LanOtherProfile allows forwarding only to devices holding one of
	// the listed profiles.
	LanOtherProfile
)

// LanAccess describes the LAN half of a security profile. Profiles is
// meaningful only when Kind is LanOtherProfile.
type LanAccess struct {
	Kind     LanAccessKind
	Profiles []string
}

// SecProfile is one named policy bundle.
type SecProfile struct {
	Lan LanAccess
	Wan bool
}

// KeyIDEntry binds a passphrase identity to its profile.
type KeyIDEntry struct {
	Profile    string
	Passphrase string
}

// Config is the operator intent: an immutable snapshot, replaced
// atomically by SetConfig. Comparable by pointer identity across
// snapshots, so it must never be mutated after installation.
type Config struct {
	Profiles           map[string]SecProfile
	KeyIDs             map[string]KeyIDEntry
	InterfaceToProfile map[string]string
}

// ProfileFor derives the profile for a station: the keyid's profile if
// the station presented a known keyid, otherwise the profile assigned
// to the interface it joined on, otherwise "".
func (c *Config) ProfileFor(keyID, iface string) string {
	if c == nil {
		return ""
	}
	if keyID != "" {
		if entry, ok := c.KeyIDs[keyID]; ok {
			return entry.Profile
		}
	}
	return c.InterfaceToProfile[iface]
}

// -------------------------------------------------------------------------
// Connections
// -------------------------------------------------------------------------

// ConnectionID identifies one joined station by the interface it is
// attached to and its MAC address (lower-case, colon-separated).
type ConnectionID struct {
	Interface string
	MAC       string
}

// Connection is the per-station record. IPs holds the station's
// current IPv4 and IPv6 bindings, mixed.
type Connection struct {
	// KeyID is the passphrase identity the station authenticated with,
	// or "" when unknown (wired stations, or an address event arrived
	// before the Wi-Fi event).
	KeyID string

	// Profile is derived from (KeyID, interface, config); "" when no
	// profile applies. Never written directly; see the helpers below.
	Profile string

	// IPs is the set of addresses currently bound to the station.
	IPs map[netip.Addr]struct{}
}

// State is the single shared value.
type State struct {
	Connections map[ConnectionID]*Connection
	Config      *Config
}

// Store is the watched state shared by all daemon tasks.
type Store = watch.Watch[State]

// NewStore creates a Store with no connections and an empty config.
func NewStore() *Store {
	return watch.New(State{
		Connections: make(map[ConnectionID]*Connection),
		Config:      &Config{},
	})
}

// -------------------------------------------------------------------------
// Mutation helpers
//
// These operate on a *State inside a store critical section. The
// callers decide whether the enclosing write notifies (SendModify) or
// is part of a batch (SendNoModify + MarkChanged).
// -------------------------------------------------------------------------

// ensure returns the connection for id, creating an empty row when the
// station is not yet known.
func (s *State) ensure(id ConnectionID) *Connection {
	conn, ok := s.Connections[id]
	if !ok {
		conn = &Connection{IPs: make(map[netip.Addr]struct{})}
		s.Connections[id] = conn
	}
	return conn
}

// UpsertKeyID records a station association with the given keyid ("" if
// the controller reported none) and re-derives the row's profile.
// Learned IP bindings survive a reconnect.
func (s *State) UpsertKeyID(id ConnectionID, keyID string) {
	conn := s.ensure(id)
	conn.KeyID = keyID
	conn.Profile = s.Config.ProfileFor(keyID, id.Interface)
}

// Remove deletes the station and all of its address bindings.
func (s *State) Remove(id ConnectionID) {
	delete(s.Connections, id)
}

// BindAddr gives ownership of addr to the station id, creating the row
// if needed. Any other station holding addr loses it first: an address
// lives on at most one connection.
func (s *State) BindAddr(id ConnectionID, addr netip.Addr) {
	for other, conn := range s.Connections {
		if other != id {
			delete(conn.IPs, addr)
		}
	}
	conn := s.ensure(id)
	if conn.Profile == "" && conn.KeyID == "" {
		// Row created by an address event: derive from the interface
		// until a Wi-Fi event fills in the keyid.
		conn.Profile = s.Config.ProfileFor("", id.Interface)
	}
	conn.IPs[addr] = struct{}{}
}

// SetConfig installs a new operator config and re-derives the profile
// of every connection.
func (s *State) SetConfig(cfg *Config) {
	s.Config = cfg
	for id, conn := range s.Connections {
		conn.Profile = cfg.ProfileFor(conn.KeyID, id.Interface)
	}
}
