package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VAPIDKey is the application server key pair. It is generated on first
// start and persisted so existing subscriptions stay valid.
type VAPIDKey struct {
	ID      uint `gorm:"primarykey"`
	Public  string
	Private string
}

// Subscription is one browser's push endpoint.
type Subscription struct {
	gorm.Model

	Peer     string
	Endpoint string `gorm:"size:512;uniqueIndex"`
	// Keys holds the JSON encoded webpush.Subscription. Never sent to clients.
	Keys string `json:"-"`

	LastSuccess        *time.Time
	LastFailure        *time.Time
	LastFailureMessage string
}

const (
	pushTTL = 120
	// Pushes in flight at once during a Notify.
	maxParallelPushes = 8
	// Web push topics are at most 32 characters of the URL-safe base64 alphabet.
	maxTopicLen = 32
)

type WebPush struct {
	Key *VAPIDKey

	// Subscriber is the contact sent to push services, usually a mailto: URL.
	Subscriber string

	db *gorm.DB
}

func NewWebPush(db *gorm.DB, subscriber string) (*WebPush, error) {
	if err := db.AutoMigrate(&VAPIDKey{}, &Subscription{}); err != nil {
		return nil, fmt.Errorf("migrate web push tables: %w", err)
	}
	p := &WebPush{
		Key:        &VAPIDKey{},
		Subscriber: subscriber,
		db:         db,
	}
	if err := p.loadKey(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *WebPush) loadKey() error {
	err := p.db.First(p.Key).Error
	if err == nil {
		log.Infof("Web push VAPID keys loaded from database")
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load VAPID keys: %w", err)
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate VAPID keys: %w", err)
	}
	p.Key.Private, p.Key.Public = priv, pub
	if err := p.db.Create(p.Key).Error; err != nil {
		return fmt.Errorf("store VAPID keys: %w", err)
	}
	log.Infof("Web push VAPID keys generated")
	return nil
}

func (p *WebPush) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/push/pubkey", p.handlePubkey)
	mux.HandleFunc("/push/subscriptions", p.handleList)
	// POST subscribes, DELETE unsubscribes.
	mux.HandleFunc("/push/subscription", p.handleSubscription)
	mux.HandleFunc("/push/test", p.handleTest)
}

func (p *WebPush) handlePubkey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(p.Key.Public))
}

func decodeSubscription(r *http.Request) (*webpush.Subscription, error) {
	sub := &webpush.Subscription{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		return nil, err
	}
	if sub.Endpoint == "" {
		return nil, errors.New("subscription has no endpoint")
	}
	return sub, nil
}

func (p *WebPush) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" && r.Method != "DELETE" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	sub, err := decodeSubscription(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clog := log.WithField("peer", r.RemoteAddr)

	if r.Method == "DELETE" {
		res := p.db.Where("endpoint = ?", sub.Endpoint).Delete(&Subscription{})
		if res.Error != nil {
			clog.Errorf("Failed to delete push subscription: %v", res.Error)
			http.Error(w, res.Error.Error(), http.StatusInternalServerError)
			return
		}
		if res.RowsAffected == 0 {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		clog.Info("Removed push subscription")
		return
	}

	keys, _ := json.Marshal(sub)
	s := &Subscription{
		Peer:     r.RemoteAddr,
		Endpoint: sub.Endpoint,
		Keys:     string(keys),
	}
	// Browsers resubscribe with the same endpoint; refresh the keys instead
	// of failing on the unique index.
	err = p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"peer", "keys", "updated_at", "deleted_at"}),
	}).Create(s).Error
	if err != nil {
		clog.Errorf("Failed to store push subscription: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	clog.Info("Added push subscription")
}

func (p *WebPush) handleList(w http.ResponseWriter, r *http.Request) {
	subs := []*Subscription{}
	if err := p.db.Omit("keys").Find(&subs).Error; err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(subs)
}

func (p *WebPush) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	err := p.Notify(&Notification{
		TimeString: time.Now().Format("3:04 PM"),
		Source:     "test",
		Event:      "source_error",
		Message:    "Test notification",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// topic collapses pending pushes for the same source and event on the push
// service.
func topic(n *Notification) string {
	t := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, n.Source+"-"+n.Event)
	if len(t) > maxTopicLen {
		t = t[:maxTopicLen]
	}
	return t
}

// push sends payload to one subscription and records the outcome.
func (p *WebPush) push(s *Subscription, payload []byte, topicName string) error {
	var ws webpush.Subscription
	if err := json.Unmarshal([]byte(s.Keys), &ws); err != nil {
		return fmt.Errorf("subscription %d has bad keys: %w", s.ID, err)
	}

	resp, err := webpush.SendNotification(payload, &ws, &webpush.Options{
		Subscriber:      p.Subscriber,
		VAPIDPublicKey:  p.Key.Public,
		VAPIDPrivateKey: p.Key.Private,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
		Topic:           topicName,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
		resp.Body.Close()
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		log.WithField("peer", s.Peer).Infof("Push service reports subscription expired (%d), removing it", status)
		return p.db.Delete(s).Error
	}

	now := time.Now()
	outcome := map[string]interface{}{"last_success": now}
	if err == nil && status >= 300 {
		err = fmt.Errorf("push service returned %d", status)
	}
	if err != nil {
		log.WithField("peer", s.Peer).Warnf("Web push failed: %v", err)
		outcome = map[string]interface{}{"last_failure": now, "last_failure_message": err.Error()}
	}
	return p.db.Model(s).Updates(outcome).Error
}

// Notify pushes n to every subscription and waits for all of them.
func (p *WebPush) Notify(n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	var subs []*Subscription
	if err := p.db.Find(&subs).Error; err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}

	log.Infof("Sending web push notification to %d subscribers", len(subs))
	t := topic(n)
	sem := make(chan struct{}, maxParallelPushes)
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.push(s, payload, t); err != nil {
				log.Errorf("Web push notify failed: %v", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}
