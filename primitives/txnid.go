package primitives

import "fmt"

// Kind partitions transactions by what they may read or write, which in turn
// decides the conflict relation used when computing dependencies.
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
	KindSyncPoint
	KindExclusiveSyncPoint
	KindEphemeralRead
)

var kindNames = [...]string{"R", "W", "SP", "XSP", "ER"}

func (k Kind) String() string { return kindNames[k] }

func (k Kind) IsWrite() bool     { return k == KindWrite }
func (k Kind) IsRead() bool      { return k == KindRead || k == KindEphemeralRead }
func (k Kind) IsSyncPoint() bool { return k == KindSyncPoint || k == KindExclusiveSyncPoint }

// Witnesses reports whether a transaction of kind k must record a dependency
// on an earlier conflicting transaction of kind other.
// Writes conflict with reads and writes; reads conflict with writes only;
// sync points conflict with everything, and everything conflicts with an
// exclusive sync point.
func (k Kind) Witnesses(other Kind) bool {
	switch k {
	case KindRead, KindEphemeralRead:
		return other == KindWrite || other == KindExclusiveSyncPoint
	case KindWrite:
		return other != KindEphemeralRead
	case KindSyncPoint, KindExclusiveSyncPoint:
		return true
	}
	return false
}

// WitnessedBy is the converse relation: may a later transaction of kind other
// depend on this one.
func (k Kind) WitnessedBy(other Kind) bool { return other.Witnesses(k) }

// Domain distinguishes transactions over discrete keys from those over ranges
// (sync points cover whole ranges).
type Domain uint8

const (
	DomainKey Domain = iota
	DomainRange
)

func (d Domain) String() string {
	if d == DomainKey {
		return "K"
	}
	return "Rg"
}

// flag packing: low three bits kind, bit 3 domain.
const (
	kindMask   = 0x7
	domainBit  = 0x8
	flagShift  = 4
)

// TxnId is a globally unique, totally ordered transaction identifier.
// It is an HLC sample tagged with the transaction's kind and domain and the
// coordinator's node id, and doubles as the transaction's pre-accepted
// execution timestamp.
type TxnId struct {
	Timestamp
}

var TxnIdZero = TxnId{}

func NewTxnId(epoch, hlc uint64, kind Kind, domain Domain, node NodeID) TxnId {
	flags := uint16(kind) & kindMask
	if domain == DomainRange {
		flags |= domainBit
	}
	return TxnId{Timestamp{Epoch: epoch, HLC: hlc, Flags: flags, Node: node}}
}

func (id TxnId) Kind() Kind     { return Kind(id.Flags & kindMask) }
func (id TxnId) Domain() Domain {
	if id.Flags&domainBit != 0 {
		return DomainRange
	}
	return DomainKey
}

func (id TxnId) Is(k Kind) bool { return id.Kind() == k }

func (id TxnId) CompareTxn(o TxnId) int { return id.Timestamp.Compare(o.Timestamp) }

// AsTimestamp returns the id viewed as its own pre-accepted timestamp.
func (id TxnId) AsTimestamp() Timestamp { return id.Timestamp }

func (id TxnId) String() string {
	return fmt.Sprintf("%s%s%s", id.Kind(), id.Domain(), id.Timestamp)
}

// SortTxnIds sorts ids in place in the global total order.
func SortTxnIds(ids []TxnId) {
	// insertion sort is fine at the sizes deps carry per key; larger sets go
	// through the deps builder which sorts once.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Compare(ids[j-1].Timestamp) < 0; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// SearchTxnIds returns the index of id in the sorted slice, or the insertion
// point if absent, with a found flag.
func SearchTxnIds(ids []TxnId, id TxnId) (int, bool) {
	lo, hi := 0, len(ids)
	for lo < hi {
		mid := (lo + hi) / 2
		c := ids[mid].Compare(id.Timestamp)
		if c < 0 {
			lo = mid + 1
		} else if c > 0 {
			hi = mid
		} else {
			return mid, true
		}
	}
	return lo, false
}
