package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// The index table routes inbound packets to state by the 32-bit local
// session index, without repeating any peer lookup. An index refers to
// an in-flight handshake first and is later swapped to point at the
// keypair that handshake produced.

type IndexTableEntry struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

type IndexTable struct {
	sync.RWMutex
	table map[uint32]IndexTableEntry
}

func randUint32() (uint32, error) {
	var integer [4]byte
	_, err := rand.Read(integer[:])
	return binary.LittleEndian.Uint32(integer[:]), err
}

func (table *IndexTable) Init() {
	table.Lock()
	defer table.Unlock()
	table.table = make(map[uint32]IndexTableEntry)
}

func (table *IndexTable) Delete(index uint32) {
	table.Lock()
	defer table.Unlock()
	delete(table.table, index)
}

// SwapIndexForKeypair re-points index from the handshake that owned it
// to the keypair derived from that handshake.
func (table *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	table.Lock()
	defer table.Unlock()
	entry, ok := table.table[index]
	if !ok {
		return
	}
	table.table[index] = IndexTableEntry{
		peer:      entry.peer,
		keypair:   keypair,
		handshake: nil,
	}
}

// NewIndexForHandshake allocates a fresh random index for an in-flight
// handshake, retrying on the (unlikely) collision.
func (table *IndexTable) NewIndexForHandshake(peer *Peer, handshake *Handshake) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return index, err
		}
		table.Lock()
		_, ok := table.table[index]
		if ok {
			table.Unlock()
			continue
		}
		table.table[index] = IndexTableEntry{
			peer:      peer,
			handshake: handshake,
			keypair:   nil,
		}
		table.Unlock()
		return index, nil
	}
}

func (table *IndexTable) Lookup(index uint32) IndexTableEntry {
	table.RLock()
	defer table.RUnlock()
	return table.table[index]
}
