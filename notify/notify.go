package notify

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"camserver/backend"
	"camserver/cs"
)

// DefaultCooldown is the minimum time between two notifications for the same
// source and event.
const DefaultCooldown = time.Minute

// Notification is sent to all NotifyListeners registered with Notifier.
type Notification struct {
	TimeString string
	Source     string
	Event      string
	Message    string
}

type NotifyListener interface {
	Notify(n *Notification) error
}

// Notifier turns source events into notifications.
type Notifier struct {
	Listeners []NotifyListener
	Cooldown  time.Duration

	now func() time.Time

	l        sync.Mutex
	last     map[string]time.Time
	listener *cs.SourceListener
}

// NewNotifier starts watching b for the source events in mask.
func NewNotifier(b *backend.Backend, mask backend.EventKind, listeners ...NotifyListener) *Notifier {
	n := &Notifier{
		Listeners: listeners,
		Cooldown:  DefaultCooldown,
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
	n.listener = cs.NewSourceListener(b, n.sourceEvent, mask, false)
	return n
}

func describe(e cs.SourceEvent) string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case backend.SourceDisconnected:
		return "Camera disconnected"
	case backend.SourceConnected:
		return "Camera connected"
	case backend.SourceDestroyed:
		return "Camera removed"
	}
	return e.Kind.String()
}

func (n *Notifier) sourceEvent(e cs.SourceEvent) {
	n.l.Lock()
	defer n.l.Unlock()

	now := n.now()
	key := e.Name + "/" + e.Kind.String()
	if last, ok := n.last[key]; ok && now.Sub(last) < n.Cooldown {
		log.WithField("source", e.Name).Debugf("Suppressing %v notification during cooldown", e.Kind)
		return
	}
	n.last[key] = now

	notification := &Notification{
		TimeString: now.Format("3:04 PM"),
		Source:     e.Name,
		Event:      e.Kind.String(),
		Message:    describe(e),
	}
	log.Infof("Sending notification: %v", spew.Sdump(notification))
	for _, l := range n.Listeners {
		go func(l NotifyListener) {
			if err := l.Notify(notification); err != nil {
				log.Errorf("Failed to send notification: %v", err)
			}
		}(l)
	}
}

// Close stops watching for events. Notifications already handed to
// listeners still complete.
func (n *Notifier) Close() {
	n.listener.Close()
}
