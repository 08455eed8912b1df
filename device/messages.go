package device

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"

	"github.com/libfire/wireguard/tai64n"
)

// Message types. The type occupies byte 0 of every datagram; bytes
// 1-3 are reserved zeros, so marshalled little-endian the first four
// bytes read back as the type value itself.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + poly1305.TagSize
)

// Offsets into a transport message.
const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// MessageInitiation opens a handshake. The initiator proves knowledge
// of the responder's static key and of its own, and commits to a fresh
// ephemeral.
type MessageInitiation struct {
	Type uint32
	// Random index chosen by the initiator for this exchange; echoed
	// back as Receiver in the response so the initiator can match the
	// two without any round-trip state on the wire.
	Sender    uint32
	Ephemeral NoisePublicKey
	// Initiator's static public key, encrypted under the running
	// handshake key. Hides the initiator's identity from observers
	// while authenticating it to the responder.
	Static [NoisePublicKeySize + poly1305.TagSize]byte
	// Whitened TAI64N timestamp, encrypted. Must be strictly greater
	// than the last one the responder saw from this peer.
	Timestamp [tai64n.TimestampSize + poly1305.TagSize]byte
	// Keyed MAC over the message under a key derived from the
	// responder's static public key. Cheap to verify, always required.
	MAC1 [blake2s.Size128]byte
	// MAC keyed by a previously received cookie. Zero unless the
	// responder demanded one by replying with a cookie.
	MAC2 [blake2s.Size128]byte
}

// MessageResponse completes the handshake. It carries no identity
// payload; the empty AEAD confirms the derived key material.
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageCookieReply is sent instead of a response when the responder
// is under load. It advances no handshake state; it only hands the
// sender an encrypted cookie to echo back as MAC2.
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

var errMessageLengthMismatch = errors.New("message length mismatch")

func (msg *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	copy(b[8:], msg.Ephemeral[:])
	copy(b[40:], msg.Static[:])
	copy(b[88:], msg.Timestamp[:])
	copy(b[116:], msg.MAC1[:])
	copy(b[132:], msg.MAC2[:])
	return nil
}

func (msg *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Ephemeral[:], b[8:])
	copy(msg.Static[:], b[40:])
	copy(msg.Timestamp[:], b[88:])
	copy(msg.MAC1[:], b[116:])
	copy(msg.MAC2[:], b[132:])
	return nil
}

func (msg *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:], msg.Receiver)
	copy(b[12:], msg.Ephemeral[:])
	copy(b[44:], msg.Empty[:])
	copy(b[60:], msg.MAC1[:])
	copy(b[76:], msg.MAC2[:])
	return nil
}

func (msg *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:])
	copy(msg.Ephemeral[:], b[12:])
	copy(msg.Empty[:], b[44:])
	copy(msg.MAC1[:], b[60:])
	copy(msg.MAC2[:], b[76:])
	return nil
}

func (msg *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Receiver)
	copy(b[8:], msg.Nonce[:])
	copy(b[32:], msg.Cookie[:])
	return nil
}

func (msg *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Nonce[:], b[8:])
	copy(msg.Cookie[:], b[32:])
	return nil
}
