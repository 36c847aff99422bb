package stream

import "github.com/interledger/connector-go/pkg/ilp"

const (
	// Initial probe: effectively unbounded, the path tells us otherwise.
	initialPacketLimit = uint64(1) << 32
	// Additive increase applied to the window per fulfilled packet.
	windowIncrease = 1000
)

// controller picks packet amounts for a sender. Two independent mechanisms:
//
//   - maxPacket: the largest amount the path forwards, learned from F08
//     rejects by jumping to the advertised maximum, or by binary search
//     between the last success and the smallest failure when a peer sends
//     no machine-readable payload.
//   - window: classic AIMD on liquidity, halved on T04, additively grown on
//     every Fulfill.
type controller struct {
	maxPacket  uint64
	highestOK  uint64 // largest amount ever fulfilled
	lowestFail uint64 // smallest amount ever F08-rejected, 0 = none
	window     uint64
}

func newController() *controller {
	return &controller{
		maxPacket: initialPacketLimit,
		window:    initialPacketLimit,
	}
}

// nextAmount returns the amount for the next packet given what remains.
func (c *controller) nextAmount(remaining uint64) uint64 {
	amount := remaining
	if amount > c.maxPacket {
		amount = c.maxPacket
	}
	if amount > c.window {
		amount = c.window
	}
	return amount
}

// onFulfill records a success at the given amount.
func (c *controller) onFulfill(amount uint64) {
	if amount > c.highestOK {
		c.highestOK = amount
	}
	if c.window < initialPacketLimit-windowIncrease {
		c.window += windowIncrease
	}
}

// onReject adjusts state from a reject. Returns false if the error gives no
// path forward (final, non-sizing errors).
func (c *controller) onReject(amount uint64, reject *ilp.Reject) bool {
	switch reject.Code {
	case ilp.CodeF08AmountTooLarge:
		if data, ok := ilp.ParseAmountTooLargeData(reject.Data); ok && data.MaximumAmount > 0 {
			// Exact feedback: the path told us its limit. Scale
			// proportionally in case an FX hop sits between us and the
			// bottleneck.
			next := amount
			if data.ReceivedAmount > 0 {
				next = amount * data.MaximumAmount / data.ReceivedAmount
			} else {
				next = data.MaximumAmount
			}
			if next == 0 {
				return false
			}
			if next < c.maxPacket {
				c.maxPacket = next
			}
			if c.lowestFail == 0 || amount < c.lowestFail {
				c.lowestFail = amount
			}
			return true
		}
		// Blind F08: binary search between known-good and known-bad.
		if c.lowestFail == 0 || amount < c.lowestFail {
			c.lowestFail = amount
		}
		next := (c.highestOK + c.lowestFail) / 2
		if next == 0 || next >= amount {
			return false
		}
		c.maxPacket = next
		return true
	case ilp.CodeT04InsufficientLiquidity:
		c.window /= 2
		return c.window > 0
	case ilp.CodeT00InternalError, ilp.CodeT01PeerUnreachable, ilp.CodeT03ConnectorBusy, ilp.CodeT05RateLimited:
		// Temporary, retry at the same size.
		return true
	}
	return false
}
