package primitives

import (
	"bytes"
	"fmt"
	"sort"
)

// KeyValue is a single key's datum, used both for writes and read results.
type KeyValue struct {
	Key   Key
	Value []byte
}

// Txn is the user payload of a transaction: the keys it reads, the writes it
// applies, and the scope routing both. Sync points carry an empty payload
// over ranges.
type Txn struct {
	Kind   Kind
	Scope  Participants
	Reads  Keys
	Writes []KeyValue
}

// NewTxn builds a key-domain transaction. The scope is the union of read and
// write keys.
func NewTxn(kind Kind, reads Keys, writes []KeyValue) Txn {
	ws := make(Keys, 0, len(writes))
	for _, w := range writes {
		ws = append(ws, w.Key)
	}
	scope := reads.Union(NewKeys(ws...))
	return Txn{Kind: kind, Scope: Participants{Keys: scope}, Reads: reads, Writes: writes}
}

// EmptySystemTxn builds the payload-free transaction template used for sync
// points and other protocol-internal transactions.
func EmptySystemTxn(kind Kind, domain Domain, scope Participants) Txn {
	if domain == DomainKey {
		scope = Participants{Keys: scope.Keys}
	}
	return Txn{Kind: kind, Scope: scope}
}

func (t Txn) IsEmpty() bool { return len(t.Reads) == 0 && len(t.Writes) == 0 }

// Slice restricts the payload to the parts a single shard needs.
func (t Txn) Slice(rs Ranges) Txn {
	out := Txn{Kind: t.Kind, Scope: t.Scope.Slice(rs), Reads: t.Reads.Slice(rs)}
	for _, w := range t.Writes {
		if rs.Contains(w.Key) {
			out.Writes = append(out.Writes, w)
		}
	}
	return out
}

// Merge unions two partial payloads of the same transaction.
func (t Txn) Merge(o Txn) Txn {
	out := Txn{Kind: t.Kind, Scope: t.Scope.Union(o.Scope), Reads: t.Reads.Union(o.Reads)}
	out.Writes = append(append([]KeyValue(nil), t.Writes...), o.Writes...)
	sort.Slice(out.Writes, func(i, j int) bool { return out.Writes[i].Key.Compare(out.Writes[j].Key) < 0 })
	dedup := out.Writes[:0]
	for i, w := range out.Writes {
		if i == 0 || !w.Key.Equal(out.Writes[i-1].Key) {
			dedup = append(dedup, w)
		}
	}
	out.Writes = dedup
	return out
}

// Result is the outcome of an executed transaction: the values read at its
// execution timestamp, in key order.
type Result []KeyValue

func (r Result) Equal(o Result) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Key.Equal(o[i].Key) || !bytes.Equal(r[i].Value, o[i].Value) {
			return false
		}
	}
	return true
}

// MergeResults combines per-shard read results into one, keeping key order.
func MergeResults(parts []Result) Result {
	var out Result
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	dedup := out[:0]
	for i, kv := range out {
		if i == 0 || !kv.Key.Equal(out[i-1].Key) {
			dedup = append(dedup, kv)
		}
	}
	return dedup
}

// Writes is the persisted effect of a transaction, applied at executeAt.
type Writes struct {
	ExecuteAt Timestamp
	Writes    []KeyValue
}

func (w Writes) IsEmpty() bool { return len(w.Writes) == 0 }

func (w Writes) String() string { return fmt.Sprintf("writes@%s x%d", w.ExecuteAt, len(w.Writes)) }
