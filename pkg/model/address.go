// Package model implements the resource data model shared by every core
// component: addresses, items, resources, lights, sensors, groups, scenes
// and the ZCL attribute value cache.
package model

import "fmt"

// Address identifies a Zigbee node by its stable 64-bit IEEE extended
// address and/or its ephemeral 16-bit network address. Either may be
// absent on a given message.
type Address struct {
	IEEE    uint64
	NWK     uint16
	HasIEEE bool
	HasNWK  bool
}

// NewIEEEAddress builds an Address carrying only the extended address.
func NewIEEEAddress(ieee uint64) Address {
	return Address{IEEE: ieee, HasIEEE: true}
}

// NewNWKAddress builds an Address carrying only the network address.
func NewNWKAddress(nwk uint16) Address {
	return Address{NWK: nwk, HasNWK: true}
}

// String renders the IEEE address as colon-separated hex bytes, matching
// the uniqueid convention used throughout the resource model.
func (a Address) String() string {
	if !a.HasIEEE {
		return fmt.Sprintf("nwk:0x%04x", a.NWK)
	}
	b := [8]byte{}
	for i := 0; i < 8; i++ {
		b[i] = byte(a.IEEE >> (8 * (7 - i)))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// Equal reports whether two addresses refer to the same node, preferring
// the IEEE address when both sides carry one.
func (a Address) Equal(b Address) bool {
	if a.HasIEEE && b.HasIEEE {
		return a.IEEE == b.IEEE
	}
	if a.HasNWK && b.HasNWK {
		return a.NWK == b.NWK
	}
	return false
}

// UniqueID formats the deterministic identifier described in spec §6:
// "aa:bb:cc:dd:ee:ff:gg:hh-EE[-CCCC]".
func UniqueID(ieee uint64, endpoint uint8, clusterID *uint16) string {
	addr := NewIEEEAddress(ieee)
	if clusterID != nil {
		return fmt.Sprintf("%s-%02x-%04x", addr.String(), endpoint, *clusterID)
	}
	return fmt.Sprintf("%s-%02x", addr.String(), endpoint)
}
