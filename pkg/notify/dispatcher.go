package notify

import (
	"time"

	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/models"
)

// Sender delivers one notification to the chat platform
type Sender interface {
	Deliver(n Notification) error
}

// Dispatcher delivers routed notifications asynchronously so a slow
// or failing chat API never blocks a queue operation
type Dispatcher struct {
	sender   Sender
	logger   *logger.Logger
	queue    chan Notification
	retries  int
	backoff  time.Duration
	stopChan chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher with a bounded delivery buffer
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		logger:   logger.New(""),
		queue:    make(chan Notification, 256),
		retries:  3,
		backoff:  2 * time.Second,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the delivery loop
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops the delivery loop. Buffered notifications are dropped;
// they stay re-derivable from the committed sequence numbers.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	<-d.done
}

// Dispatch routes engine events and queues the notifications for
// delivery. It never blocks the caller: when the buffer is full the
// notification is dropped with an error log.
func (d *Dispatcher) Dispatch(events []models.Event) {
	for _, n := range Route(events) {
		select {
		case d.queue <- n:
		default:
			d.logger.Error("Notification buffer full, dropping %s for %s %s (seq %d)",
				n.Event.Type, n.Recipient.Kind, n.Recipient.Key, n.Event.Seq)
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.stopChan:
			return
		}
	}
}

// deliver attempts delivery with a few retries; a notification that
// still fails is logged and dropped, never fed back into the engine
func (d *Dispatcher) deliver(n Notification) {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
		if err = d.sender.Deliver(n); err == nil {
			return
		}
	}
	d.logger.Error("Failed to deliver %s to %s %s after %d attempts: %v",
		n.Event.Type, n.Recipient.Kind, n.Recipient.Key, d.retries+1, err)
}
