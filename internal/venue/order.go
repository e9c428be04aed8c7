package venue

import (
	"log/slog"
	"sync"
)

// Order types accepted by the venue.
const (
	OrderTypeLimit = "LIMIT"
)

// OrderParams are the fields of a new-order frame. Price and Amount are
// decimal strings; the sign of Amount picks the side.
type OrderParams struct {
	CID    int64
	Symbol string
	Price  string
	Amount string
	Type   string
}

// Order is one client order bound to a stream. Listeners registered through
// OnUpdate observe the order's lifecycle frames, matched by client order ID
// first and by venue order ID once one is known.
type Order struct {
	params OrderParams
	stream *Stream
	logger *slog.Logger

	mu      sync.Mutex
	venueID int64
	removes []func()
}

// NewOrder builds an order for the given stream. The order is not submitted
// until Submit is called.
func NewOrder(stream *Stream, params OrderParams, logger *slog.Logger) *Order {
	if logger == nil {
		logger = slog.Default()
	}
	if params.Type == "" {
		params.Type = OrderTypeLimit
	}

	return &Order{
		params: params,
		stream: stream,
		logger: logger,
	}
}

// CID returns the client order ID.
func (o *Order) CID() int64 {
	return o.params.CID
}

// OnUpdate registers a listener for this order's update frames and returns
// its removal function. The listener may remove itself from inside a
// callback.
func (o *Order) OnUpdate(fn func(OrderUpdate)) (remove func()) {
	remove = o.stream.OnOrderUpdate(func(u OrderUpdate) {
		if !o.matches(u) {
			return
		}

		o.mu.Lock()
		if o.venueID == 0 && u.ID != 0 {
			o.venueID = u.ID
		}
		o.mu.Unlock()

		fn(u)
	})

	o.mu.Lock()
	o.removes = append(o.removes, remove)
	o.mu.Unlock()

	return remove
}

// Submit writes the order to the venue. Submission is acknowledged once the
// frame is written; the terminal state arrives later via update listeners.
func (o *Order) Submit() error {
	return o.stream.SendOrder(o.params)
}

// RemoveListeners detaches every listener registered through OnUpdate.
func (o *Order) RemoveListeners() {
	o.mu.Lock()
	removes := o.removes
	o.removes = nil
	o.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
}

func (o *Order) matches(u OrderUpdate) bool {
	if u.CID != 0 && u.CID == o.params.CID {
		return true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.venueID != 0 && u.ID == o.venueID
}
