package device

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Labels mixed into the MAC keys, per the protocol.
const (
	LabelMAC1   = "mac1----"
	LabelCookie = "cookie--"
)

// CookieChecker is the responder half of the DoS defense: it verifies
// mac1 on every handshake message and, when the device is under load,
// verifies mac2 against a secret that rotates every CookieRefreshTime.
// The previous secret generation stays valid so a cookie handed out
// just before a rotation is not instantly orphaned.
type CookieChecker struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		prevSecret    [blake2s.Size]byte
		hasPrevSecret bool
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator is the initiator half: it stamps mac1 onto outgoing
// handshake messages, and mac2 too while it holds a fresh cookie
// obtained from a cookie reply.
type CookieGenerator struct {
	sync.Mutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func macKeys(pk NoisePublicKey) (mac1Key, cookieKey [blake2s.Size]byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write([]byte(LabelMAC1))
	hash.Write(pk[:])
	hash.Sum(mac1Key[:0])
	hash.Reset()
	hash.Write([]byte(LabelCookie))
	hash.Write(pk[:])
	hash.Sum(cookieKey[:0])
	return
}

// Init keys the generator for messages addressed to the peer holding
// pk.
func (st *CookieGenerator) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()
	st.mac1.key, st.mac2.encryptionKey = macKeys(pk)
	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply decrypts a cookie reply and stores the cookie for use
// as mac2 on the next handshake message. It fails silently when no
// mac1 was ever sent: a stray reply must not be distinguishable from a
// dropped one.
func (st *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], st.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	st.mac2.cookieSet = time.Now()
	st.mac2.cookie = cookie
	return true
}

// AddMacs computes mac1 (always) and mac2 (when a fresh cookie is
// held) over the marshalled handshake message, writing them into the
// trailing two 16-byte slots.
func (st *CookieGenerator) AddMacs(msg []byte) {
	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	st.Lock()
	defer st.Unlock()

	func() {
		mac, _ := blake2s.New128(st.mac1.key[:])
		mac.Write(msg[:smac1])
		mac.Sum(mac1[:0])
	}()
	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	if time.Since(st.mac2.cookieSet) > CookieRefreshTime {
		return
	}
	func() {
		mac, _ := blake2s.New128(st.mac2.cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()
}

// Init keys the checker with the local static public key.
func (st *CookieChecker) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()
	st.mac1.key, st.mac2.encryptionKey = macKeys(pk)
	st.mac2.secretSet = time.Time{}
	st.mac2.hasPrevSecret = false
}

// CheckMAC1 verifies the always-required MAC over the message body.
func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	st.RLock()
	defer st.RUnlock()

	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var mac1 [blake2s.Size128]byte
	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

func cookieFor(secret *[blake2s.Size]byte, src []byte) (cookie [blake2s.Size128]byte) {
	mac, _ := blake2s.New128(secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])
	return
}

// CheckMAC2 verifies the cookie MAC against the current secret
// generation, then against the previous one. src is the sender's
// observed source address, the value the cookie is bound to.
func (st *CookieChecker) CheckMAC2(msg, src []byte) bool {
	st.RLock()
	defer st.RUnlock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime*2 {
		return false
	}

	smac2 := len(msg) - blake2s.Size128
	mac2 := msg[smac2:]

	verify := func(secret *[blake2s.Size]byte) bool {
		cookie := cookieFor(secret, src)
		mac, _ := blake2s.New128(cookie[:])
		mac.Write(msg[:smac2])
		var computed [blake2s.Size128]byte
		mac.Sum(computed[:0])
		return hmac.Equal(computed[:], mac2)
	}

	if verify(&st.mac2.secret) {
		return true
	}
	return st.mac2.hasPrevSecret && verify(&st.mac2.prevSecret)
}

// CreateReply builds the cookie reply for a message that failed the
// mac2 requirement, binding a cookie to the sender's address and
// encrypting it under a key derived from our static public key, with
// the message's mac1 as associated data. Knowing mac1 proves the
// requester saw the original message.
func (st *CookieChecker) CreateReply(msg []byte, recv uint32, src []byte) (*MessageCookieReply, error) {
	st.RLock()
	stale := time.Since(st.mac2.secretSet) > CookieRefreshTime
	st.RUnlock()

	if stale {
		st.Lock()
		// Re-check under the write lock; another path may have
		// rotated already.
		if time.Since(st.mac2.secretSet) > CookieRefreshTime {
			if !st.mac2.secretSet.IsZero() {
				st.mac2.prevSecret = st.mac2.secret
				st.mac2.hasPrevSecret = true
			}
			if _, err := rand.Read(st.mac2.secret[:]); err != nil {
				st.Unlock()
				return nil, err
			}
			st.mac2.secretSet = time.Now()
		}
		st.Unlock()
	}

	st.RLock()
	defer st.RUnlock()

	cookie := cookieFor(&st.mac2.secret, src)

	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := new(MessageCookieReply)
	reply.Type = MessageCookieReplyType
	reply.Receiver = recv

	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])

	return reply, nil
}
