package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/libfire/wireguard/tai64n"
)

// The handshake is Noise IKpsk2: the initiator already knows the
// responder's static public key, both sides prove possession of their
// static private keys, and fresh ephemerals give forward secrecy. The
// equations follow https://www.wireguard.com/protocol/.
const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

func (hs handshakeState) String() string {
	switch hs {
	case handshakeZeroed:
		return "handshakeZeroed"
	case handshakeInitiationCreated:
		return "handshakeInitiationCreated"
	case handshakeInitiationConsumed:
		return "handshakeInitiationConsumed"
	case handshakeResponseCreated:
		return "handshakeResponseCreated"
	case handshakeResponseConsumed:
		return "handshakeResponseConsumed"
	default:
		return fmt.Sprintf("handshake(UNKNOWN:%d)", int(hs))
	}
}

// Handshake holds the transient state of one in-flight exchange. It is
// promoted into a Keypair on success and zeroed on failure or timeout.
type Handshake struct {
	state                     handshakeState
	mutex                     sync.RWMutex
	hash                      [blake2s.Size]byte // running transcript hash
	chainKey                  [blake2s.Size]byte // running chaining key
	presharedKey              NoisePresharedKey
	localEphemeral            NoisePrivateKey
	localIndex                uint32 // sender index we allocated for this exchange
	remoteIndex               uint32 // peer's sender index
	remoteStatic              NoisePublicKey
	remoteEphemeral           NoisePublicKey
	precomputedStaticStatic   [NoisePublicKeySize]byte
	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake         time.Time
}

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	// chaining_key = HASH(CONSTRUCTION)
	// hash = HASH(chaining_key || IDENTIFIER)
	initialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixhash(&initialHash, &initialChainKey, []byte(WGIdentifier))
}

func (h *Handshake) mixHash(data []byte) {
	mixhash(&h.hash, &h.hash, data)
}

func (h *Handshake) mixKey(data []byte) {
	kdf1(&h.chainKey, h.chainKey[:], data)
}

func (h *Handshake) Clear() {
	setZero(h.localEphemeral[:])
	setZero(h.remoteEphemeral[:])
	setZero(h.chainKey[:])
	setZero(h.hash[:])
	h.localIndex = 0
	h.state = handshakeZeroed
}

var (
	errInvalidPublicKey = errors.New("invalid public key")
	errWrongState       = errors.New("handshake in wrong state")
)

// CreateMessageInitiation builds the first handshake message:
// the fresh ephemeral in the clear, then our static key and a strictly
// increasing timestamp encrypted under keys mixed from
// DH(ephemeral, responder-static) and DH(static, responder-static),
// in that order. MACs are stamped later by the cookie generator.
func (device *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if isZero(handshake.precomputedStaticStatic[:]) {
		return nil, errInvalidPublicKey
	}

	var err error
	handshake.hash = initialHash
	handshake.chainKey = initialChainKey
	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}

	handshake.mixHash(handshake.remoteStatic[:])

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: handshake.localEphemeral.publicKey(),
	}

	handshake.mixKey(msg.Ephemeral[:])
	handshake.mixHash(msg.Ephemeral[:])

	// msg.static = AEAD(key, 0, our_static_public, hash)
	ss, err := handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&handshake.chainKey, &key, handshake.chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], device.staticIdentity.publicKey[:], handshake.hash[:])
	handshake.mixHash(msg.Static[:])

	// msg.timestamp = AEAD(key, 0, TAI64N(), hash)
	kdf2(&handshake.chainKey, &key, handshake.chainKey[:], handshake.precomputedStaticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], handshake.hash[:])
	handshake.mixHash(msg.Timestamp[:])

	device.indexTable.Delete(handshake.localIndex)
	msg.Sender, err = device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}
	handshake.localIndex = msg.Sender

	handshake.state = handshakeInitiationCreated
	return &msg, nil
}

// ConsumeMessageInitiation authenticates an initiation and, if it
// holds up, records the exchange state on the initiating peer. Every
// failure returns nil with no side effects: the responder keeps no
// state for bogus attempts and sends nothing an attacker could use as
// an oracle.
func (device *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	if msg.Type != MessageInitiationType {
		return nil
	}

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	mixhash(&hash, &initialHash, device.staticIdentity.publicKey[:])
	mixhash(&hash, &hash, msg.Ephemeral[:])
	kdf1(&chainKey, initialChainKey[:], msg.Ephemeral[:])

	// decrypt the initiator's static key; success authenticates it
	var peerPK NoisePublicKey
	var key [chacha20poly1305.KeySize]byte
	ss, err := device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	kdf2(&chainKey, &key, chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	_, err = aead.Open(peerPK[:0], zeroNonce[:], msg.Static[:], hash[:])
	if err != nil {
		return nil
	}
	mixhash(&hash, &hash, msg.Static[:])

	peer := device.LookupPeer(peerPK)
	if peer == nil || !peer.isRunning.Load() {
		return nil
	}

	handshake := &peer.handshake

	// decrypt and verify the timestamp
	var timestamp tai64n.Timestamp

	handshake.mutex.RLock()
	if isZero(handshake.precomputedStaticStatic[:]) {
		handshake.mutex.RUnlock()
		return nil
	}
	kdf2(&chainKey, &key, chainKey[:], handshake.precomputedStaticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	_, err = aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:])
	if err != nil {
		handshake.mutex.RUnlock()
		return nil
	}
	mixhash(&hash, &hash, msg.Timestamp[:])

	// coarse anti-replay on the handshake itself, plus a floor on how
	// fast one peer may make us do asymmetric work
	replay := !timestamp.After(handshake.lastTimestamp)
	flood := time.Since(handshake.lastInitiationConsumption) <= HandshakeInitationRate
	handshake.mutex.RUnlock()
	if replay || flood {
		return nil
	}

	handshake.mutex.Lock()
	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	if timestamp.After(handshake.lastTimestamp) {
		handshake.lastTimestamp = timestamp
	}
	now := time.Now()
	if now.After(handshake.lastInitiationConsumption) {
		handshake.lastInitiationConsumption = now
	}
	handshake.state = handshakeInitiationConsumed
	handshake.mutex.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])

	return peer
}

// CreateMessageResponse continues the chain with the responder's
// ephemeral, DH against both of the initiator's keys, mixes in the
// preshared key, and proves the result with an empty AEAD.
func (device *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationConsumed {
		return nil, errWrongState
	}

	var err error
	device.indexTable.Delete(handshake.localIndex)
	handshake.localIndex, err = device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Sender = handshake.localIndex
	msg.Receiver = handshake.remoteIndex

	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = handshake.localEphemeral.publicKey()
	handshake.mixHash(msg.Ephemeral[:])
	handshake.mixKey(msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.sharedSecret(handshake.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])
	ss, err = handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])

	// psk2 slot: tau is mixed into the hash, key seals the empty
	// payload
	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&handshake.chainKey, &tau, &key, handshake.chainKey[:], handshake.presharedKey[:])
	handshake.mixHash(tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, handshake.hash[:])
	handshake.mixHash(msg.Empty[:])

	handshake.state = handshakeResponseCreated
	return &msg, nil
}

// ConsumeMessageResponse finishes the initiator's side of the chain. A
// response that does not match a pending initiation (by receiver
// index and state) is dropped.
func (device *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	if msg.Type != MessageResponseType {
		return nil
	}

	lookup := device.indexTable.Lookup(msg.Receiver)
	handshake := lookup.handshake
	if handshake == nil {
		return nil
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	ok := func() bool {
		handshake.mutex.RLock()
		defer handshake.mutex.RUnlock()

		if handshake.state != handshakeInitiationCreated {
			return false
		}

		device.staticIdentity.RLock()
		defer device.staticIdentity.RUnlock()

		mixhash(&hash, &handshake.hash, msg.Ephemeral[:])
		kdf1(&chainKey, handshake.chainKey[:], msg.Ephemeral[:])

		ss, err := handshake.localEphemeral.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		kdf1(&chainKey, chainKey[:], ss[:])
		setZero(ss[:])

		ss, err = device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		kdf1(&chainKey, chainKey[:], ss[:])
		setZero(ss[:])

		var tau [blake2s.Size]byte
		var key [chacha20poly1305.KeySize]byte
		kdf3(&chainKey, &tau, &key, chainKey[:], handshake.presharedKey[:])
		mixhash(&hash, &hash, tau[:])

		aead, _ := chacha20poly1305.New(key[:])
		_, err = aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:])
		if err != nil {
			return false
		}
		mixhash(&hash, &hash, msg.Empty[:])
		return true
	}()

	if !ok {
		return nil
	}

	handshake.mutex.Lock()
	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.state = handshakeResponseConsumed
	handshake.mutex.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])

	return lookup.peer
}

// BeginSymmetricSession derives the send/receive keypair from a
// completed handshake and installs it in the peer's keypair ring. The
// initiator trusts the exchange is done and installs it as current;
// the responder parks it in next until the first packet sealed with it
// arrives (key confirmation).
func (peer *Peer) BeginSymmetricSession() error {
	device := peer.device
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	// key derivation is directionally swapped between the two roles
	var isInitiator bool
	var sendKey [chacha20poly1305.KeySize]byte
	var recvKey [chacha20poly1305.KeySize]byte

	switch handshake.state {
	case handshakeResponseConsumed:
		kdf2(&sendKey, &recvKey, handshake.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		kdf2(&recvKey, &sendKey, handshake.chainKey[:], nil)
		isInitiator = false
	default:
		return fmt.Errorf("invalid state for keypair derivation: %v", handshake.state)
	}

	// the handshake's job is done; drop its secrets now
	setZero(handshake.chainKey[:])
	setZero(handshake.hash[:])
	setZero(handshake.localEphemeral[:])
	handshake.state = handshakeZeroed

	keypair := new(Keypair)
	keypair.send, _ = chacha20poly1305.New(sendKey[:])
	keypair.receive, _ = chacha20poly1305.New(recvKey[:])

	setZero(sendKey[:])
	setZero(recvKey[:])

	keypair.created = time.Now()
	keypair.replayFilter.Reset()
	keypair.isInitiator = isInitiator
	keypair.localIndex = handshake.localIndex
	keypair.remoteIndex = handshake.remoteIndex

	// inbound packets carrying localIndex now resolve to this keypair
	device.indexTable.SwapIndexForKeypair(handshake.localIndex, keypair)
	handshake.localIndex = 0

	keypairs := &peer.keypairs
	keypairs.Lock()
	defer keypairs.Unlock()

	previous := keypairs.previous
	next := keypairs.next.Load()
	current := keypairs.current

	if isInitiator {
		// Receiving the response proves the responder is ready: the
		// new keypair becomes current at once. Whatever was pending in
		// next is obsolete.
		if next != nil {
			keypairs.next.Store(nil)
			keypairs.previous = next
			device.DeleteKeypair(current)
		} else {
			keypairs.previous = current
		}
		device.DeleteKeypair(previous)
		keypairs.current = keypair
	} else {
		// The response may never arrive; keep sending under the old
		// current until the initiator proves receipt.
		keypairs.next.Store(keypair)
		device.DeleteKeypair(next)
		keypairs.previous = nil
		device.DeleteKeypair(previous)
	}

	return nil
}

// ReceivedWithKeypair promotes a responder's parked next keypair to
// current on its first successful receive, demoting the old current to
// previous for late packets. Returns whether a promotion happened.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	keypairs := &peer.keypairs

	if keypairs.next.Load() != receivedKeypair {
		return false
	}
	keypairs.Lock()
	defer keypairs.Unlock()
	if keypairs.next.Load() != receivedKeypair {
		return false
	}

	old := keypairs.previous
	keypairs.previous = keypairs.current
	peer.device.DeleteKeypair(old)
	keypairs.current = keypairs.next.Load()
	keypairs.next.Store(nil)
	return true
}
