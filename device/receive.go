package device

import (
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Inbound flow: the transport owner calls ReceiveDatagram for every
// datagram. Types 1-3 feed the handshake engine, type 4 resolves a
// keypair by receiver index and goes through AEAD-open, the replay
// filter and source-address validation before the plaintext reaches
// the interface.
//
// Every failure on this path is a silent drop. Nothing distinguishes a
// forged packet from a lost one.

// ReceiveDatagram processes one datagram received from src.
func (device *Device) ReceiveDatagram(packet []byte, src netip.AddrPort) {
	if device.isClosed() || !device.isUp() || len(packet) < 4 {
		return
	}

	switch binary.LittleEndian.Uint32(packet) {
	case MessageInitiationType:
		if len(packet) == MessageInitiationSize {
			device.handleInitiation(packet, src)
		}
	case MessageResponseType:
		if len(packet) == MessageResponseSize {
			device.handleResponse(packet, src)
		}
	case MessageCookieReplyType:
		if len(packet) == MessageCookieReplySize {
			device.handleCookieReply(packet)
		}
	case MessageTransportType:
		if len(packet) >= MessageTransportSize {
			device.handleTransport(packet, src)
		}
	}
}

// checkMACs runs the two-MAC gate shared by initiations and responses:
// mac1 always, mac2 only under load. It returns false when processing
// must stop; a cookie reply may have been sent in that case.
func (device *Device) checkMACs(packet []byte, sender uint32, src netip.AddrPort, underLoad bool) bool {
	if !device.cookieChecker.CheckMAC1(packet) {
		return false
	}
	if !underLoad {
		return true
	}
	if device.cookieChecker.CheckMAC2(packet, endpointBytes(src)) {
		return true
	}
	device.SendHandshakeCookie(packet, sender, src)
	return false
}

func (device *Device) handleInitiation(packet []byte, src netip.AddrPort) {
	underLoad := device.load.registerInitiation()
	sender := binary.LittleEndian.Uint32(packet[4:])
	if !device.checkMACs(packet, sender, src, underLoad) {
		return
	}

	var msg MessageInitiation
	if err := msg.unmarshal(packet); err != nil {
		return
	}
	peer := device.ConsumeMessageInitiation(&msg)
	if peer == nil {
		device.log.Verbosef("Received invalid initiation message from %s", src)
		return
	}

	peer.SetEndpoint(src)
	device.log.Verbosef("%s - Received handshake initiation", peer)
	peer.rxBytes.Add(MessageInitiationSize)
	peer.SendHandshakeResponse()
}

func (device *Device) handleResponse(packet []byte, src netip.AddrPort) {
	sender := binary.LittleEndian.Uint32(packet[4:])
	if !device.checkMACs(packet, sender, src, device.load.underLoad()) {
		return
	}

	var msg MessageResponse
	if err := msg.unmarshal(packet); err != nil {
		return
	}
	peer := device.ConsumeMessageResponse(&msg)
	if peer == nil {
		device.log.Verbosef("Received invalid response message from %s", src)
		return
	}

	peer.SetEndpoint(src)
	device.log.Verbosef("%s - Received handshake response", peer)
	peer.rxBytes.Add(MessageResponseSize)

	if err := peer.BeginSymmetricSession(); err != nil {
		device.log.Errorf("%s - Failed to derive keypair: %v", peer, err)
		return
	}

	peer.timersSessionDerived()
	peer.timersHandshakeComplete()

	// The responder will not send under the new keypair until it hears
	// from us; confirm immediately, then move anything that queued up
	// while the handshake ran.
	peer.SendKeepalive()
	peer.SendStagedPackets()
}

func (device *Device) handleCookieReply(packet []byte) {
	var msg MessageCookieReply
	if err := msg.unmarshal(packet); err != nil {
		return
	}

	entry := device.indexTable.Lookup(msg.Receiver)
	if entry.peer == nil {
		return
	}
	peer := entry.peer
	if !peer.cookieGenerator.ConsumeReply(&msg) {
		device.log.Verbosef("%s - Received invalid cookie reply", peer)
		return
	}
	device.log.Verbosef("%s - Received cookie reply, retrying handshake", peer)

	// Retry at once with mac2 attached; the reply means our initiation
	// was thrown away, so the usual send rate limit must not apply.
	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = timeAgo(RekeyTimeout)
	peer.handshake.mutex.Unlock()
	peer.SendHandshakeInitiation(true)
}

func (device *Device) handleTransport(packet []byte, src netip.AddrPort) {
	receiver := binary.LittleEndian.Uint32(packet[MessageTransportOffsetReceiver:])
	entry := device.indexTable.Lookup(receiver)
	keypair := entry.keypair
	peer := entry.peer
	if keypair == nil || peer == nil || !peer.isRunning.Load() {
		return
	}

	if keypair.expired(time.Now()) {
		// Past the hard reject lifetime the keypair must not decrypt,
		// replacement or not.
		device.DeleteKeypair(keypair)
		return
	}

	counter := binary.LittleEndian.Uint64(packet[MessageTransportOffsetCounter:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	buffer := device.bufferPool.Get()
	defer device.bufferPool.Put(buffer)

	plaintext, err := keypair.receive.Open(
		buffer[:0],
		nonce[:],
		packet[MessageTransportOffsetContent:],
		nil,
	)
	if err != nil {
		return
	}

	// At-most-once acceptance per counter, safe under concurrent
	// delivery for the same keypair.
	keypair.replayMutex.Lock()
	ok := keypair.replayFilter.ValidateCounter(counter, RejectAfterMessages)
	keypair.replayMutex.Unlock()
	if !ok {
		return
	}

	if peer.ReceivedWithKeypair(keypair) {
		peer.timersHandshakeComplete()
		peer.SendStagedPackets()
	}

	peer.SetEndpoint(src)
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketReceived()
	peer.rxBytes.Add(uint64(len(packet)))
	peer.keepKeyFreshReceiving()

	if len(plaintext) == 0 {
		device.log.Verbosef("%s - Receiving keepalive packet", peer)
		return
	}

	srcAddr, ok := packetSourceAddr(plaintext)
	if !ok {
		device.log.Verbosef("%s - Received packet with invalid IP header", peer)
		return
	}
	// Anti-spoofing: the decrypting peer must own the prefix the
	// plaintext claims to come from.
	if device.allowedips.Lookup(srcAddr) != peer {
		device.log.Verbosef("%s - Received packet with disallowed source address %s", peer, srcAddr)
		return
	}

	// Strip the sealing padding using the IP header's own length
	// field.
	declared, ok := packetDeclaredLen(plaintext)
	if !ok || declared > len(plaintext) {
		device.log.Verbosef("%s - Received packet with inconsistent length", peer)
		return
	}

	peer.timersDataReceived()
	device.deliverToInterface(plaintext[:declared], peer)
}

// keepKeyFreshReceiving rekeys a session kept alive by inbound traffic
// alone. Only the initiator re-initiates, and only once per keypair:
// the old keypair must not die of age mid-conversation before its
// replacement exists.
func (peer *Peer) keepKeyFreshReceiving() {
	if peer.timers.sentLastMinuteHandshake.Load() {
		return
	}
	keypair := peer.keypairs.Current()
	if keypair != nil && keypair.isInitiator &&
		time.Since(keypair.created) > RejectAfterTime-KeepaliveTimeout-RekeyTimeout {
		peer.timers.sentLastMinuteHandshake.Store(true)
		peer.SendHandshakeInitiation(false)
	}
}

// packetDeclaredLen reads the total packet length the IP header
// declares.
func packetDeclaredLen(packet []byte) (int, bool) {
	switch packet[0] >> 4 {
	case 4:
		declared := int(binary.BigEndian.Uint16(packet[2:4]))
		if declared < ipv4HeaderLen {
			return 0, false
		}
		return declared, true
	case 6:
		return ipv6HeaderLen + int(binary.BigEndian.Uint16(packet[4:6])), true
	}
	return 0, false
}

// packetSourceAddr pulls the source address out of a raw IP packet.
func packetSourceAddr(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(packet[ipv4SrcOffset : ipv4SrcOffset+4])), true
	case 6:
		if len(packet) < ipv6HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(packet[ipv6SrcOffset : ipv6SrcOffset+16])), true
	}
	return netip.Addr{}, false
}

// packetDestinationAddr pulls the destination address out of a raw IP
// packet, for outbound peer selection.
func packetDestinationAddr(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(packet[ipv4DstOffset : ipv4DstOffset+4])), true
	case 6:
		if len(packet) < ipv6HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(packet[ipv6DstOffset : ipv6DstOffset+16])), true
	}
	return netip.Addr{}, false
}

const (
	ipv4HeaderLen = 20
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv6HeaderLen = 40
	ipv6SrcOffset = 8
	ipv6DstOffset = 24
)
