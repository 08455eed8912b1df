package device

import (
	"crypto/cipher"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libfire/wireguard/replay"
)

// A Keypair is the symmetric session state derived from one completed
// handshake. It is never recycled: once its send counter reaches the
// reject threshold or its age passes the reject lifetime it is
// discarded and a new handshake must produce a successor.
type Keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayMutex  sync.Mutex // serializes replay-filter updates for concurrent receives
	replayFilter replay.Filter
	isInitiator  bool
	created      time.Time
	localIndex   uint32 // our index for this keypair; inbound packets carry it
	remoteIndex  uint32 // peer's index; outbound packets carry it
}

// expired reports whether the keypair has passed its hard reject
// lifetime and must no longer encrypt or decrypt.
func (keypair *Keypair) expired(now time.Time) bool {
	return now.Sub(keypair.created) >= RejectAfterTime
}

// Keypairs is the per-peer ring of current/previous/next keypairs.
//
// current encrypts all new sends. previous only decrypts packets that
// were in flight during a rotation. next holds a responder-derived
// keypair that is not yet confirmed by inbound traffic.
type Keypairs struct {
	sync.RWMutex
	current  *Keypair
	previous *Keypair
	next     atomic.Pointer[Keypair]
}

func (keypairs *Keypairs) Current() *Keypair {
	keypairs.RLock()
	defer keypairs.RUnlock()
	return keypairs.current
}

func (device *Device) DeleteKeypair(keypair *Keypair) {
	if keypair != nil {
		device.indexTable.Delete(keypair.localIndex)
	}
}
