package device

import "time"

// Protocol timing and threshold constants. These are tuning values,
// not correctness requirements: a peer running with slightly different
// numbers still interoperates, it just rekeys or gives up on a
// different schedule.
const (
	RekeyAfterMessages      = uint64(1) << 60
	RejectAfterMessages     = ^uint64(0) - (uint64(1) << 13)
	RekeyAfterTime          = time.Second * 120
	RekeyAttemptTime        = time.Second * 90
	RekeyTimeout            = time.Second * 5
	MaxTimerHandshakes      = 90 / 5 // RekeyAttemptTime / RekeyTimeout
	RekeyTimeoutJitterMaxMs = 334
	RejectAfterTime         = time.Second * 180
	KeepaliveTimeout        = time.Second * 10
	CookieRefreshTime       = time.Second * 120
	HandshakeInitationRate  = time.Second / 50
	PaddingMultiple         = 16
)

const (
	MaxMessageSize = MaxSegmentSize
	MaxContentSize = MaxSegmentSize - MessageTransportSize
)

const (
	DefaultMTU     = 1420
	MaxSegmentSize = 2048 - 32
	MaxPeers       = 1 << 16
)

// Number of handshake initiations per second the responder absorbs
// before it starts demanding mac2 cookies, and how long the under-load
// state lingers after the burst subsides.
const (
	UnderLoadRate      = 256
	UnderLoadAfterTime = time.Second * 1
)
