package device

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// A Peer is one statically-keyed remote, its session state and its
// timers. Peers are created from configuration and live until removed
// from the device; everything inside them (handshakes, keypairs) is
// transient.
type Peer struct {
	isRunning atomic.Bool
	keypairs  Keypairs
	handshake Handshake
	device    *Device

	txBytes           atomic.Uint64
	rxBytes           atomic.Uint64
	lastHandshakeNano atomic.Int64

	endpoint struct {
		sync.Mutex
		addr netip.AddrPort
	}

	timers struct {
		retransmitHandshake     *Timer
		sendKeepalive           *Timer
		newHandshake            *Timer
		zeroKeyMaterial         *Timer
		persistentKeepalive     *Timer
		handshakeAttempts       atomic.Uint32
		needAnotherKeepalive    atomic.Bool
		sentLastMinuteHandshake atomic.Bool
	}

	state sync.Mutex // serializes Start/Stop

	queue struct {
		// Outbound plaintext waiting for a usable keypair. Flushed on
		// handshake completion, dropped oldest-first when full.
		staged chan []byte
	}

	cookieGenerator             CookieGenerator
	persistentKeepaliveInterval atomic.Uint32
}

const QueueStagedSize = 128

// NewPeer registers a peer under its static public key and precomputes
// the static-static Diffie-Hellman term used by every handshake with
// it.
func (device *Device) NewPeer(pk NoisePublicKey) (*Peer, error) {
	if device.isClosed() {
		return nil, errors.New("device closed")
	}

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	device.peers.Lock()
	defer device.peers.Unlock()

	if len(device.peers.keyMap) >= MaxPeers {
		return nil, errors.New("too many peers")
	}
	if _, ok := device.peers.keyMap[pk]; ok {
		return nil, errors.New("adding existing peer")
	}

	peer := new(Peer)
	peer.device = device
	peer.cookieGenerator.Init(pk)
	peer.queue.staged = make(chan []byte, QueueStagedSize)

	handshake := &peer.handshake
	handshake.mutex.Lock()
	handshake.precomputedStaticStatic, _ = device.staticIdentity.privateKey.sharedSecret(pk)
	handshake.remoteStatic = pk
	handshake.mutex.Unlock()

	device.peers.keyMap[pk] = peer
	return peer, nil
}

// SendBuffer transmits a marshalled message to the peer's current
// endpoint.
func (peer *Peer) SendBuffer(buffer []byte) error {
	peer.device.net.RLock()
	defer peer.device.net.RUnlock()

	if peer.device.net.bind == nil {
		return errNoBind
	}

	peer.endpoint.Lock()
	endpoint := peer.endpoint.addr
	peer.endpoint.Unlock()
	if !endpoint.IsValid() {
		return errNoEndpoint
	}

	err := peer.device.net.bind.Send(buffer, endpoint)
	if err == nil {
		peer.txBytes.Add(uint64(len(buffer)))
	}
	return err
}

// SetEndpoint records where the peer was last reachable. Called from
// configuration and from the receive path (endpoint roaming).
func (peer *Peer) SetEndpoint(addr netip.AddrPort) {
	peer.endpoint.Lock()
	peer.endpoint.addr = addr
	peer.endpoint.Unlock()
}

func (peer *Peer) Endpoint() netip.AddrPort {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	return peer.endpoint.addr
}

func (peer *Peer) Start() {
	if peer.device.isClosed() {
		return
	}

	peer.state.Lock()
	defer peer.state.Unlock()

	if peer.isRunning.Load() {
		return
	}

	peer.timersInit()
	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = timeAgo(RekeyTimeout) // allow an immediate first initiation
	peer.handshake.mutex.Unlock()

	peer.isRunning.Store(true)
	peer.timersStart()
}

// Stop tears the peer down: timers cancelled, in-flight handshake
// invalidated, key material zeroed, staged packets dropped. A late
// handshake response cannot resurrect a stopped peer because its index
// table entries are gone.
func (peer *Peer) Stop() {
	peer.state.Lock()
	defer peer.state.Unlock()

	if !peer.isRunning.Swap(false) {
		return
	}

	peer.timersStop()
	peer.ZeroAndFlushAll()
}

// ZeroAndFlushAll discards all keypairs and the in-flight handshake.
func (peer *Peer) ZeroAndFlushAll() {
	device := peer.device

	keypairs := &peer.keypairs
	keypairs.Lock()
	device.DeleteKeypair(keypairs.previous)
	device.DeleteKeypair(keypairs.current)
	device.DeleteKeypair(keypairs.next.Load())
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next.Store(nil)
	keypairs.Unlock()

	handshake := &peer.handshake
	handshake.mutex.Lock()
	device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.mutex.Unlock()

	peer.FlushStagedPackets()
}

// ExpireCurrentKeypairs forces the send counters of the live keypairs
// past the reject threshold, so the next send attempt must run a fresh
// handshake instead of reusing old keys.
func (peer *Peer) ExpireCurrentKeypairs() {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	peer.device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.lastSentHandshake = timeAgo(RekeyTimeout)
	handshake.mutex.Unlock()

	keypairs := &peer.keypairs
	keypairs.Lock()
	if keypairs.current != nil {
		keypairs.current.sendNonce.Store(RejectAfterMessages)
	}
	if next := keypairs.next.Load(); next != nil {
		next.sendNonce.Store(RejectAfterMessages)
	}
	keypairs.Unlock()
}

func (peer *Peer) String() string {
	base64Key := base64.StdEncoding.EncodeToString(peer.handshake.remoteStatic[:])
	abbreviatedKey := "invalid"
	if len(base64Key) == 44 {
		abbreviatedKey = base64Key[0:4] + "…" + base64Key[39:43]
	}
	return fmt.Sprintf("peer(%s)", abbreviatedKey)
}
