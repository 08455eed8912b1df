package device

import (
	"net/netip"
	"sync"
)

// AllowedIPs is the longest-prefix-match routing table mapping IP
// prefixes to their owning peer. It answers two questions: which peer
// a destination address encrypts for, and whether a decrypted packet's
// source address actually belongs to the peer that sent it.
//
// A prefix is owned by exactly one peer: inserting it for another peer
// revokes the previous owner rather than creating a duplicate. The
// read path is lock-shared; writes (configuration changes) are
// infrequent and exclusive.
type AllowedIPs struct {
	mutex sync.RWMutex
	ip4   *trieEntry
	ip6   *trieEntry
}

// A binary trie node, one branch per address bit. An entry node (peer
// != nil) terminates some inserted prefix; interior nodes just route.
type trieEntry struct {
	child  [2]*trieEntry
	peer   *Peer
	prefix netip.Prefix
}

func addrBits(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

func bitAt(b []byte, i int) int {
	return int(b[i>>3]>>(7-(i&7))) & 1
}

// Insert adds prefix owned by peer, taking ownership away from any
// peer that previously held the same prefix.
func (table *AllowedIPs) Insert(prefix netip.Prefix, peer *Peer) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	prefix = prefix.Masked()
	root := &table.ip6
	if prefix.Addr().Is4() {
		root = &table.ip4
	}
	if *root == nil {
		*root = &trieEntry{}
	}
	node := *root
	bits := addrBits(prefix.Addr())
	for i := 0; i < prefix.Bits(); i++ {
		bit := bitAt(bits, i)
		if node.child[bit] == nil {
			node.child[bit] = &trieEntry{}
		}
		node = node.child[bit]
	}
	node.peer = peer
	node.prefix = prefix
}

// Lookup returns the peer owning the most specific prefix containing
// addr, or nil if the address is not routed to any peer.
func (table *AllowedIPs) Lookup(addr netip.Addr) *Peer {
	table.mutex.RLock()
	defer table.mutex.RUnlock()

	addr = addr.Unmap()
	node := table.ip6
	if addr.Is4() {
		node = table.ip4
	}
	bits := addrBits(addr)
	var found *Peer
	for i := 0; node != nil; i++ {
		if node.peer != nil {
			found = node.peer
		}
		if i >= len(bits)*8 {
			break
		}
		node = node.child[bitAt(bits, i)]
	}
	return found
}

// RemoveByPeer drops every prefix owned by peer. Nodes stay in place;
// only ownership is cleared, which keeps removal cheap and the read
// path untouched.
func (table *AllowedIPs) RemoveByPeer(peer *Peer) {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	removeByPeer(table.ip4, peer)
	removeByPeer(table.ip6, peer)
}

func removeByPeer(node *trieEntry, peer *Peer) {
	if node == nil {
		return
	}
	if node.peer == peer {
		node.peer = nil
	}
	removeByPeer(node.child[0], peer)
	removeByPeer(node.child[1], peer)
}

// EntriesForPeer reports the prefixes currently owned by peer.
func (table *AllowedIPs) EntriesForPeer(peer *Peer) []netip.Prefix {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	var out []netip.Prefix
	collectByPeer(table.ip4, peer, &out)
	collectByPeer(table.ip6, peer, &out)
	return out
}

func collectByPeer(node *trieEntry, peer *Peer, out *[]netip.Prefix) {
	if node == nil {
		return
	}
	if node.peer == peer {
		*out = append(*out, node.prefix)
	}
	collectByPeer(node.child[0], peer, out)
	collectByPeer(node.child[1], peer, out)
}
