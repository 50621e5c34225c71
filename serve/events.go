package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camserver/backend"
	"camserver/cs"
	"camserver/notify"
	"camserver/util"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// Messages queued per client before new ones are dropped.
	clientQueue = 32

	propertyEvents = backend.SourcePropertyCreated | backend.SourcePropertyValueUpdated |
		backend.SourcePropertyChoicesUpdated
)

// EventMessage is the JSON form of a backend event sent to websocket clients.
type EventMessage struct {
	Type     string `json:"type"`
	Time     int64  `json:"time"`
	Kind     string `json:"kind,omitempty"`
	Source   string `json:"source,omitempty"`
	Sink     string `json:"sink,omitempty"`
	Property string `json:"property,omitempty"`
	Message  string `json:"message,omitempty"`
	Client   string `json:"client,omitempty"`
}

type eventClient struct {
	id     string
	send   chan []byte
	closed *util.Event
}

// EventHub streams source and sink events to websocket clients.
type EventHub struct {
	upgrader websocket.Upgrader
	clients  map[*eventClient]bool
	addc     chan *eventClient
	delc     chan *eventClient
	msgc     chan *EventMessage
	quit     *util.Event
	done     chan struct{}

	sources *cs.SourceListener
	sinks   *cs.SinkListener
}

func NewEventHub(b *backend.Backend) *EventHub {
	m := &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*eventClient]bool),
		addc:    make(chan *eventClient),
		delc:    make(chan *eventClient),
		msgc:    make(chan *EventMessage),
		quit:    util.NewEvent(),
		done:    make(chan struct{}),
	}
	go m.run()
	m.sources = cs.NewSourceListener(b, m.sourceEvent, backend.SourceEvents, false)
	m.sinks = cs.NewSinkListener(b, m.sinkEvent, backend.SinkEvents, false)
	return m
}

func (m *EventHub) run() {
	defer close(m.done)
	for {
		select {
		case c := <-m.addc:
			m.clients[c] = true
		case c := <-m.delc:
			delete(m.clients, c)
		case msg := <-m.msgc:
			js, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("Failed to encode event: %v", err)
				continue
			}
			for c := range m.clients {
				select {
				case c.send <- js:
				default:
					log.WithField("client", c.id).Debug("Event client queue full, dropping message")
				}
			}
		case <-m.quit.Done():
			for c := range m.clients {
				c.closed.Notify()
			}
			return
		}
	}
}

func (m *EventHub) publish(msg *EventMessage) {
	msg.Time = time.Now().UnixNano() / int64(time.Millisecond)
	select {
	case m.msgc <- msg:
	case <-m.quit.Done():
	}
}

func (m *EventHub) sourceEvent(e cs.SourceEvent) {
	msg := &EventMessage{
		Type:    "source",
		Kind:    e.Kind.String(),
		Source:  e.Name,
		Message: e.Message,
	}
	// Property events are named after the property.
	if e.Kind&propertyEvents != 0 {
		msg.Property = e.Name
		msg.Source = ""
		if e.Source.Valid() {
			msg.Source = e.Source.Name()
		}
	}
	m.publish(msg)
}

func (m *EventHub) sinkEvent(e cs.SinkEvent) {
	msg := &EventMessage{
		Type: "sink",
		Kind: e.Kind.String(),
		Sink: e.Name,
	}
	if e.Source.Valid() {
		msg.Source = e.Source.Name()
	}
	m.publish(msg)
}

// Notify forwards notifications to websocket clients.
func (m *EventHub) Notify(n *notify.Notification) error {
	m.publish(&EventMessage{
		Type:    "notification",
		Kind:    n.Event,
		Source:  n.Source,
		Message: n.Message,
	})
	return nil
}

func (m *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for event stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *EventHub) serve(ws *websocket.Conn) {
	c := &eventClient{
		id:     uuid.NewString(),
		send:   make(chan []byte, clientQueue),
		closed: util.NewEvent(),
	}
	clog := log.WithFields(log.Fields{"addr": ws.RemoteAddr(), "client": c.id})
	clog.Info("connected to event socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from event socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	select {
	case m.addc <- c:
	case <-m.quit.Done():
		return
	}
	defer func() {
		select {
		case m.delc <- c:
		case <-m.quit.Done():
		}
	}()

	// Incoming messages are ignored, but reading processes control messages
	// and notices the peer going away.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				c.closed.Notify()
				return
			}
		}
	}()

	hello, _ := json.Marshal(&EventMessage{
		Type:   "hello",
		Time:   time.Now().UnixNano() / int64(time.Millisecond),
		Client: c.id,
	})
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	for {
		select {
		case js := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, js); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-c.closed.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// Close stops listening to the backend and disconnects every client.
func (m *EventHub) Close() {
	m.sources.Close()
	m.sinks.Close()
	m.quit.Notify()
	<-m.done
}
