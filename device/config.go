package device

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
)

// Configuration arrives already parsed; file formats and flags live
// with the caller. A config error is fatal only to the peer it
// concerns: remaining peers still activate, and Configure reports the
// failures joined together.

type PeerConfig struct {
	PublicKey NoisePublicKey
	// Optional extra symmetric secret mixed into the handshake; zero
	// means unused.
	PresharedKey NoisePresharedKey
	AllowedIPs   []netip.Prefix
	// Optional initial endpoint. Roaming updates it afterwards.
	Endpoint netip.AddrPort
	// Seconds between persistent keepalives; 0 disables them.
	PersistentKeepalive uint16
}

type Config struct {
	PrivateKey NoisePrivateKey
	Peers      []PeerConfig
}

// Configure applies cfg to a fresh device. Peers are created down;
// call Up to start them.
func (device *Device) Configure(cfg Config) error {
	if isZero(cfg.PrivateKey[:]) {
		return errors.New("config: private key is zero")
	}
	if err := device.SetPrivateKey(cfg.PrivateKey); err != nil {
		return err
	}

	var errs []error
	for i := range cfg.Peers {
		pc := &cfg.Peers[i]
		if err := device.configurePeer(pc); err != nil {
			errs = append(errs, fmt.Errorf("config: peer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (device *Device) configurePeer(pc *PeerConfig) error {
	if pc.PublicKey.IsZero() {
		return errors.New("public key is zero")
	}
	device.staticIdentity.RLock()
	self := pc.PublicKey.Equals(device.staticIdentity.publicKey)
	device.staticIdentity.RUnlock()
	if self {
		return errors.New("public key matches local identity")
	}

	peer, err := device.NewPeer(pc.PublicKey)
	if err != nil {
		return err
	}

	peer.handshake.mutex.Lock()
	peer.handshake.presharedKey = pc.PresharedKey
	peer.handshake.mutex.Unlock()

	if pc.Endpoint.IsValid() {
		peer.SetEndpoint(pc.Endpoint)
	}
	peer.persistentKeepaliveInterval.Store(uint32(pc.PersistentKeepalive))

	for _, prefix := range pc.AllowedIPs {
		if !prefix.IsValid() {
			device.RemovePeer(pc.PublicKey)
			return fmt.Errorf("invalid allowed-ip prefix %s", prefix)
		}
		// Insert re-points ownership, so a prefix moving between peers
		// in one config is owned by the peer listed last.
		device.allowedips.Insert(prefix, peer)
	}
	return nil
}

func keyFromBase64(dst []byte, src string) error {
	raw, err := base64.StdEncoding.DecodeString(src)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key has wrong length %d", len(raw))
	}
	copy(dst, raw)
	return nil
}

// ParsePrivateKey decodes a standard base64 private key.
func ParsePrivateKey(src string) (sk NoisePrivateKey, err error) {
	err = keyFromBase64(sk[:], src)
	return
}

// ParsePublicKey decodes a standard base64 public key.
func ParsePublicKey(src string) (pk NoisePublicKey, err error) {
	err = keyFromBase64(pk[:], src)
	return
}

// ParsePresharedKey decodes a standard base64 preshared key.
func ParsePresharedKey(src string) (psk NoisePresharedKey, err error) {
	err = keyFromBase64(psk[:], src)
	return
}

// GeneratePrivateKey produces a fresh local identity.
func GeneratePrivateKey() (NoisePrivateKey, error) {
	return newPrivateKey()
}

// PublicKey derives the public key for a private one.
func (sk NoisePrivateKey) PublicKey() NoisePublicKey {
	return sk.publicKey()
}
