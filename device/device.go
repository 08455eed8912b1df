package device

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Bind is the outbound half of the datagram transport contract. The
// transport's owner feeds received datagrams back in through
// Device.ReceiveDatagram.
type Bind interface {
	Send(b []byte, endpoint netip.AddrPort) error
}

// Interface is the virtual network interface contract: Read produces
// the next outbound plaintext packet, Write delivers a decrypted one.
type Interface interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// A Device owns the local static identity, the peer set and all shared
// state: the allowed-IPs table, the session index table, the cookie
// secret and the under-load monitor. Independent peers proceed in
// parallel; state belonging to one peer is guarded by that peer's own
// locks.
type Device struct {
	state struct {
		up     atomic.Bool
		closed atomic.Bool
		mutex  sync.Mutex
	}

	net struct {
		sync.RWMutex
		bind Bind
	}

	iface struct {
		sync.RWMutex
		dev Interface
	}

	staticIdentity struct {
		sync.RWMutex
		privateKey NoisePrivateKey
		publicKey  NoisePublicKey
	}

	peers struct {
		sync.RWMutex
		keyMap map[NoisePublicKey]*Peer
	}

	allowedips    AllowedIPs
	indexTable    IndexTable
	cookieChecker CookieChecker
	load          loadMonitor

	bufferPool *Pool[[MaxMessageSize]byte]

	log *Logger
}

// NewDevice creates a device bound to the given collaborators. The
// device is created down; call SetPrivateKey and add peers, then Up.
func NewDevice(iface Interface, bind Bind, logger *Logger) *Device {
	device := new(Device)
	device.iface.dev = iface
	device.net.bind = bind
	device.log = logger
	device.peers.keyMap = make(map[NoisePublicKey]*Peer)
	device.indexTable.Init()
	device.bufferPool = newBufferPool()
	return device
}

func (device *Device) isUp() bool {
	return device.state.up.Load()
}

func (device *Device) isClosed() bool {
	return device.state.closed.Load()
}

// SetPrivateKey installs the local static identity and recomputes the
// per-peer precomputed DH terms and cookie keys that depend on it.
func (device *Device) SetPrivateKey(sk NoisePrivateKey) error {
	device.staticIdentity.Lock()
	defer device.staticIdentity.Unlock()

	if sk == device.staticIdentity.privateKey {
		return nil
	}

	device.peers.Lock()
	defer device.peers.Unlock()

	lockedPeers := make([]*Peer, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		peer.handshake.mutex.RLock()
		lockedPeers = append(lockedPeers, peer)
	}

	device.staticIdentity.privateKey = sk
	device.staticIdentity.publicKey = sk.publicKey()
	device.cookieChecker.Init(device.staticIdentity.publicKey)

	// A changed identity invalidates every precomputation and any
	// session derived from the old key.
	expiredPeers := make([]*Peer, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		handshake := &peer.handshake
		handshake.precomputedStaticStatic, _ = sk.sharedSecret(handshake.remoteStatic)
		expiredPeers = append(expiredPeers, peer)
	}

	for _, peer := range lockedPeers {
		peer.handshake.mutex.RUnlock()
	}
	for _, peer := range expiredPeers {
		peer.ExpireCurrentKeypairs()
	}

	return nil
}

func (device *Device) LookupPeer(pk NoisePublicKey) *Peer {
	device.peers.RLock()
	defer device.peers.RUnlock()
	return device.peers.keyMap[pk]
}

// RemovePeer atomically tears down a peer: its timers stop, its
// in-flight handshake and keypairs are invalidated through the index
// table, and its prefixes leave the routing table, so nothing late on
// the wire can resurrect it.
func (device *Device) RemovePeer(pk NoisePublicKey) {
	device.peers.Lock()
	peer, ok := device.peers.keyMap[pk]
	if ok {
		delete(device.peers.keyMap, pk)
	}
	device.peers.Unlock()
	if !ok {
		return
	}
	device.allowedips.RemoveByPeer(peer)
	peer.Stop()
}

func (device *Device) RemoveAllPeers() {
	device.peers.Lock()
	peers := make([]*Peer, 0, len(device.peers.keyMap))
	for pk, peer := range device.peers.keyMap {
		peers = append(peers, peer)
		delete(device.peers.keyMap, pk)
	}
	device.peers.Unlock()

	for _, peer := range peers {
		device.allowedips.RemoveByPeer(peer)
		peer.Stop()
	}
}

// Up starts all peers. Peers with a persistent keepalive configured
// announce themselves immediately.
func (device *Device) Up() error {
	device.state.mutex.Lock()
	defer device.state.mutex.Unlock()

	if device.isClosed() {
		return errors.New("device closed")
	}
	if device.state.up.Swap(true) {
		return nil
	}

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.Start()
		if peer.persistentKeepaliveInterval.Load() > 0 {
			peer.SendKeepalive()
		}
	}
	device.peers.RUnlock()
	return nil
}

// Down stops all peers and zeroes their sessions.
func (device *Device) Down() error {
	device.state.mutex.Lock()
	defer device.state.mutex.Unlock()

	if !device.state.up.Swap(false) {
		return nil
	}
	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.Stop()
	}
	device.peers.RUnlock()
	return nil
}

// Close permanently shuts the device down and removes all peers.
func (device *Device) Close() {
	device.state.mutex.Lock()
	if device.state.closed.Swap(true) {
		device.state.mutex.Unlock()
		return
	}
	device.state.up.Store(false)
	device.state.mutex.Unlock()

	device.RemoveAllPeers()
	device.log.Verbosef("Device closed")
}

// HandleInterfacePacket routes one outbound plaintext packet: the
// destination address picks the peer, the peer stages and (keypair
// permitting) sends. Unroutable packets are dropped; that address is
// simply not tunneled.
func (device *Device) HandleInterfacePacket(packet []byte) {
	if !device.isUp() {
		return
	}
	dst, ok := packetDestinationAddr(packet)
	if !ok {
		return
	}
	peer := device.allowedips.Lookup(dst)
	if peer == nil || !peer.isRunning.Load() {
		return
	}
	buf := make([]byte, len(packet))
	copy(buf, packet)
	peer.StagePacket(buf)
	peer.SendStagedPackets()
}

// RoutineReadFromInterface pumps outbound packets from the interface
// collaborator until the device closes or the interface errors.
func (device *Device) RoutineReadFromInterface() error {
	device.iface.RLock()
	iface := device.iface.dev
	device.iface.RUnlock()
	if iface == nil {
		return errors.New("no interface attached")
	}

	buf := make([]byte, MaxContentSize)
	for !device.isClosed() {
		n, err := iface.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		device.HandleInterfacePacket(buf[:n])
	}
	return nil
}

func (device *Device) deliverToInterface(plaintext []byte, peer *Peer) {
	device.iface.RLock()
	iface := device.iface.dev
	device.iface.RUnlock()
	if iface == nil {
		return
	}
	if _, err := iface.Write(plaintext); err != nil {
		device.log.Errorf("Failed to write packet to interface: %v", err)
	}
}
