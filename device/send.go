package device

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	errNoBind           = errors.New("no bind attached to device")
	errNoEndpoint       = errors.New("no known endpoint for peer")
	errKeypairExhausted = errors.New("keypair send counter exhausted")
)

// Outbound flow: plaintext → allowed-IPs lookup picks the peer →
// staged until a current keypair exists → sealed under the keypair's
// next counter → transport. Handshake and cookie sends share the same
// SendBuffer exit.

// SendHandshakeInitiation builds, MACs and transmits an initiation.
// Unless isRetry, the retry counter starts over. Sends are rate
// limited to one per RekeyTimeout so stacked triggers (staged packets,
// expired keys, timers) collapse into one attempt.
func (peer *Peer) SendHandshakeInitiation(isRetry bool) error {
	if !isRetry {
		peer.timers.handshakeAttempts.Store(0)
	}

	peer.handshake.mutex.RLock()
	if time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout {
		peer.handshake.mutex.RUnlock()
		return nil
	}
	peer.handshake.mutex.RUnlock()

	peer.handshake.mutex.Lock()
	if time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout {
		peer.handshake.mutex.Unlock()
		return nil
	}
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.mutex.Unlock()

	peer.device.log.Verbosef("%s - Sending handshake initiation", peer)

	msg, err := peer.device.CreateMessageInitiation(peer)
	if err != nil {
		peer.device.log.Errorf("%s - Failed to create initiation message: %v", peer, err)
		return err
	}

	var buf [MessageInitiationSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.SendBuffer(buf[:])
	if err != nil {
		peer.device.log.Errorf("%s - Failed to send handshake initiation: %v", peer, err)
	}
	peer.timersHandshakeInitiated()

	return err
}

// SendHandshakeResponse completes the responder's side in one step:
// the response goes out and the derived keypair is parked in next,
// awaiting confirmation.
func (peer *Peer) SendHandshakeResponse() error {
	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.mutex.Unlock()

	peer.device.log.Verbosef("%s - Sending handshake response", peer)

	response, err := peer.device.CreateMessageResponse(peer)
	if err != nil {
		peer.device.log.Errorf("%s - Failed to create response message: %v", peer, err)
		return err
	}

	var buf [MessageResponseSize]byte
	if err := response.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	if err := peer.BeginSymmetricSession(); err != nil {
		peer.device.log.Errorf("%s - Failed to derive keypair: %v", peer, err)
		return err
	}

	peer.timersSessionDerived()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.SendBuffer(buf[:])
	if err != nil {
		peer.device.log.Errorf("%s - Failed to send handshake response: %v", peer, err)
	}
	return err
}

// SendHandshakeCookie answers an over-quota initiation with a cookie
// reply instead of doing asymmetric work.
func (device *Device) SendHandshakeCookie(initiatingMsg []byte, sender uint32, src netip.AddrPort) error {
	device.log.Verbosef("Sending cookie reply to %s", src)

	reply, err := device.cookieChecker.CreateReply(initiatingMsg, sender, endpointBytes(src))
	if err != nil {
		device.log.Errorf("Failed to create cookie reply: %v", err)
		return err
	}

	var buf [MessageCookieReplySize]byte
	if err := reply.marshal(buf[:]); err != nil {
		return err
	}

	device.net.RLock()
	defer device.net.RUnlock()
	if device.net.bind == nil {
		return errNoBind
	}
	return device.net.bind.Send(buf[:], src)
}

// keypairForSending returns the current keypair if it is still allowed
// to encrypt, nil otherwise.
func (peer *Peer) keypairForSending() *Keypair {
	keypair := peer.keypairs.Current()
	if keypair == nil {
		return nil
	}
	if keypair.sendNonce.Load() >= RejectAfterMessages {
		return nil
	}
	if keypair.expired(time.Now()) {
		return nil
	}
	return keypair
}

// StagePacket queues one outbound plaintext, dropping the oldest
// staged packet when the queue is full.
func (peer *Peer) StagePacket(packet []byte) {
	for {
		select {
		case peer.queue.staged <- packet:
			return
		default:
		}
		select {
		case <-peer.queue.staged:
		default:
		}
	}
}

// SendStagedPackets flushes the staged queue under the current
// keypair, or triggers a handshake if no usable keypair exists.
func (peer *Peer) SendStagedPackets() {
	keypair := peer.keypairForSending()
	if keypair == nil {
		if len(peer.queue.staged) > 0 {
			peer.SendHandshakeInitiation(false)
		}
		return
	}

	for {
		select {
		case packet := <-peer.queue.staged:
			if err := peer.sendTransport(packet, keypair); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (peer *Peer) FlushStagedPackets() {
	for {
		select {
		case <-peer.queue.staged:
		default:
			return
		}
	}
}

// SendKeepalive emits an empty transport message, initiating a
// handshake first if there is no session to carry it.
func (peer *Peer) SendKeepalive() {
	keypair := peer.keypairForSending()
	if keypair == nil {
		peer.SendHandshakeInitiation(false)
		return
	}
	peer.device.log.Verbosef("%s - Sending keepalive packet", peer)
	peer.sendTransport(nil, keypair)
}

// paddedLen rounds n up to the padding multiple without crossing the
// maximum content size; message length then leaks less about the
// plaintext.
func paddedLen(n int) int {
	padded := (n + PaddingMultiple - 1) &^ (PaddingMultiple - 1)
	if padded > MaxContentSize {
		padded = MaxContentSize
	}
	if padded < n {
		return n
	}
	return padded
}

// sendTransport seals one packet (nil means keepalive) under keypair
// and transmits it. Each send consumes one counter value exactly once;
// the counter is never reused, even on transmit failure.
func (peer *Peer) sendTransport(packet []byte, keypair *Keypair) error {
	device := peer.device

	nonce := keypair.sendNonce.Add(1) - 1
	if nonce >= RejectAfterMessages {
		// Counter exhausted mid-flight; this keypair is done. Requeue
		// and rehandshake.
		keypair.sendNonce.Store(RejectAfterMessages)
		if packet != nil {
			peer.StagePacket(packet)
		}
		peer.SendHandshakeInitiation(false)
		return errKeypairExhausted
	}

	buffer := device.bufferPool.Get()
	defer device.bufferPool.Put(buffer)

	// Stage plaintext (padded) directly at the content offset and
	// seal in place, the supported AEAD in-place pattern.
	padTo := paddedLen(len(packet))
	content := buffer[MessageTransportOffsetContent : MessageTransportOffsetContent+padTo]
	copy(content, packet)
	setZero(content[len(packet):])

	header := buffer[:MessageTransportHeaderSize]
	binary.LittleEndian.PutUint32(header[0:], MessageTransportType)
	binary.LittleEndian.PutUint32(header[MessageTransportOffsetReceiver:], keypair.remoteIndex)
	binary.LittleEndian.PutUint64(header[MessageTransportOffsetCounter:], nonce)

	var nonceBytes [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], nonce)

	sealed := keypair.send.Seal(header, nonceBytes[:], content, nil)

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()
	if packet != nil {
		peer.timersDataSent()
	}

	err := peer.SendBuffer(sealed)
	if err != nil {
		device.log.Errorf("%s - Failed to send data packet: %v", peer, err)
	}

	// Proactive rekey: cross the soft thresholds while the session
	// still works, so the replacement is ready before the hard reject
	// limits hit.
	if nonce >= RekeyAfterMessages ||
		(keypair.isInitiator && time.Since(keypair.created) >= RekeyAfterTime) {
		peer.SendHandshakeInitiation(false)
	}

	return err
}

func endpointBytes(ep netip.AddrPort) []byte {
	addr := ep.Addr().Unmap()
	raw := addr.As16()
	out := make([]byte, 0, 18)
	out = append(out, raw[:]...)
	out = binary.BigEndian.AppendUint16(out, ep.Port())
	return out
}
