package api

import (
	"sort"
	"sync"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// MemStore is a multi-version in-memory DataStore: each key keeps its write
// history ordered by timestamp, and reads return the newest value at or
// before the requested timestamp. It is the reference implementation used by
// the test harnesses.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]versioned
}

type versioned struct {
	at    primitives.Timestamp
	value []byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string][]versioned{}}
}

func (m *MemStore) Read(key primitives.Key, at primitives.Timestamp) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.data[string(key)]
	var out []byte
	for _, v := range versions {
		if at.Less(v.at) {
			break
		}
		out = v.value
	}
	return out
}

func (m *MemStore) Write(key primitives.Key, at primitives.Timestamp, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	versions := m.data[k]
	i := sort.Search(len(versions), func(i int) bool { return at.Less(versions[i].at) || at.Equals(versions[i].at) })
	if i < len(versions) && versions[i].at.Equals(at) {
		versions[i].value = value
	} else {
		versions = append(versions, versioned{})
		copy(versions[i+1:], versions[i:])
		versions[i] = versioned{at: at, value: value}
	}
	m.data[k] = versions
}
