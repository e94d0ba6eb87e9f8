// Package colo implements the gid/colo/host routing primitives that every
// other EdgeStore package builds on: a Gid is a 64-bit (colo:32, counter:32)
// pair, and a colo is routed to one of a fixed, ordered list of hosts.
package colo

import "fmt"

// Gid is a 64-bit global identifier: the high 32 bits name a colo (logical
// shard partition), the low 32 bits are an intra-colo counter. Gid zero is
// reserved to mean "absent".
type Gid uint64

// MaxColo is the largest colo value handed out by random gid allocation.
const MaxColo = uint32(1<<32 - 1)

// Zero is the reserved "absent" gid.
const Zero Gid = 0

// New packs a colo and a counter into a Gid.
func New(colo uint32, counter uint32) Gid {
	return Gid(colo)<<32 | Gid(counter)
}

// Colo returns the colo partition a gid belongs to. Total over all Gid
// values, including Zero (which routes to colo 0).
func (g Gid) Colo() uint32 {
	return uint32(g >> 32)
}

// Counter returns the intra-colo counter portion of the gid.
func (g Gid) Counter() uint32 {
	return uint32(g)
}

func (g Gid) String() string {
	return fmt.Sprintf("%d:%d", g.Colo(), g.Counter())
}

// IsZero reports whether g is the reserved absent gid.
func (g Gid) IsZero() bool {
	return g == Zero
}

// Host returns the index into an ordered host list that owns colo, given
// numHosts hosts. All rows for a colo live on exactly one host.
func Host(colo uint32, numHosts int) int {
	if numHosts <= 0 {
		panic("colo: numHosts must be positive")
	}
	return int(colo % uint32(numHosts))
}
