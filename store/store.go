// Package store persists source and sink lifecycle events to MySQL.
package store

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"camserver/backend"
	"camserver/cs"
)

// Open connects to the MySQL database at dsn.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	return db, nil
}

// EventRecord is one lifecycle event.
type EventRecord struct {
	ID        uint      `gorm:"primarykey"`
	At        time.Time `gorm:"index"`
	Kind      string    `gorm:"size:64;index"`
	Source    string    `gorm:"size:255;index"`
	Sink      string    `gorm:"size:255"`
	Message   string    `gorm:"size:1024"`
	Connected *bool
}

// Size of the queue between the backend's event dispatcher and the database
// writer. Events beyond it are dropped.
const queueSize = 256

// EventLog records backend events. Listener callbacks only enqueue; a
// single goroutine owns the database writes.
type EventLog struct {
	db *gorm.DB

	records chan *EventRecord
	done    chan struct{}

	sources *cs.SourceListener
	sinks   *cs.SinkListener
}

// NewEventLog migrates the schema and starts recording events from b.
func NewEventLog(b *backend.Backend, db *gorm.DB) (*EventLog, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return newEventLog(b, db), nil
}

func newEventLog(b *backend.Backend, db *gorm.DB) *EventLog {
	l := &EventLog{
		db:      db,
		records: make(chan *EventRecord, queueSize),
		done:    make(chan struct{}),
	}
	go l.run()
	l.sources = cs.NewSourceListener(b, l.onSource,
		backend.SourceCreated|backend.SourceDestroyed|backend.SourceConnected|
			backend.SourceDisconnected|backend.SourceError, false)
	l.sinks = cs.NewSinkListener(b, l.onSink, backend.SinkEvents, false)
	return l
}

func (l *EventLog) onSource(e cs.SourceEvent) {
	r := &EventRecord{
		At:      time.Now(),
		Kind:    e.Kind.String(),
		Source:  e.Name,
		Message: e.Message,
	}
	switch e.Kind {
	case backend.SourceConnected, backend.SourceDisconnected:
		c := e.Kind == backend.SourceConnected
		r.Connected = &c
	}
	l.enqueue(r)
}

func (l *EventLog) onSink(e cs.SinkEvent) {
	r := &EventRecord{
		At:   time.Now(),
		Kind: e.Kind.String(),
		Sink: e.Name,
	}
	if e.Source.Valid() {
		r.Source = e.Source.Name()
	}
	l.enqueue(r)
}

func (l *EventLog) enqueue(r *EventRecord) {
	select {
	case l.records <- r:
	default:
		log.WithField("event", r.Kind).Warn("Event log queue full, dropping event")
	}
}

func (l *EventLog) run() {
	defer close(l.done)
	for r := range l.records {
		if err := l.db.Create(r).Error; err != nil {
			log.WithField("event", r.Kind).Errorf("Failed to record event: %v", err)
		}
	}
}

// Recent returns up to limit events, newest first, optionally only those of
// one source.
func (l *EventLog) Recent(source string, limit int) ([]EventRecord, error) {
	var out []EventRecord
	q := l.db.Order("at desc").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

const (
	defaultHistory = 100
	maxHistory     = 1000
)

// ServeHTTP returns recent events as JSON. The optional form fields source
// and limit narrow the result.
func (l *EventLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultHistory
	if v := r.Form.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("Invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	records, err := l.Recent(r.Form.Get("source"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []EventRecord{}
	}
	js, err := json.Marshal(records)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

// Close stops listening and waits for queued events to be written.
func (l *EventLog) Close() {
	l.sources.Close()
	l.sinks.Close()
	close(l.records)
	<-l.done
}
