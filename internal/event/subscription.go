package event

import (
	"strconv"
	"sync/atomic"
)

// channelSerial numbers channel instances process-wide.
var channelSerial atomic.Uint64

// SubscriptionID identifies one subscription. The zero value matches nothing.
type SubscriptionID struct {
	// Channel is the serial of the channel instance that issued the id.
	Channel uint64

	// Seq is the per-channel sequence number.
	Seq uint64
}

// IsZero reports whether id is the zero value.
func (id SubscriptionID) IsZero() bool {
	return id.Channel == 0 && id.Seq == 0
}

// String returns "channel:seq".
func (id SubscriptionID) String() string {
	return strconv.FormatUint(id.Channel, 10) + ":" + strconv.FormatUint(id.Seq, 10)
}

// Func is the handler type for a channel carrying payloads of type T.
type Func[T any] func(T)

type subscriber[T any] struct {
	id SubscriptionID
	fn Func[T]
}
