package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"camserver/backend"
	"camserver/cs"
	"camserver/status"
)

// findSource returns a reference to the source called name, or nil.
func findSource(b *backend.Backend, name string) *cs.VideoSource {
	var found *cs.VideoSource
	for _, s := range cs.Sources(b) {
		if found == nil && s.Name() == name {
			found = s
			continue
		}
		s.Close()
	}
	return found
}

func httpStatus(st status.Code) int {
	switch st {
	case status.OK:
		return http.StatusOK
	case status.PropertyDoesNotExist, status.InvalidHandle:
		return http.StatusNotFound
	case status.PropertyReadOnly:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// PropertyServer sets source properties from POST forms with the fields
// source, name and value. Enum values may be given as an index or a choice.
type PropertyServer struct {
	B *backend.Backend
}

func setProperty(p *cs.VideoProperty, value string) error {
	switch p.Kind() {
	case backend.PropertyBoolean:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		p.SetBoolean(v)
	case backend.PropertyNumeric:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		p.SetNumeric(v)
	case backend.PropertyString:
		p.SetStringValue(value)
	case backend.PropertyEnum:
		v, err := strconv.Atoi(value)
		if err != nil {
			v = -1
			for i, c := range p.Choices() {
				if c == value {
					v = i
					break
				}
			}
			if v < 0 {
				return fmt.Errorf("%q is not a choice of %v", value, p.Name())
			}
		}
		p.SetEnum(v)
	default:
		return fmt.Errorf("property %v has no value", p.Name())
	}
	return nil
}

func (s *PropertyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.Form.Get("source")
	src := findSource(s.B, name)
	if src == nil {
		http.Error(w, fmt.Sprintf("No source named %q", name), http.StatusNotFound)
		return
	}
	defer src.Close()

	p := src.Property(r.Form.Get("name"))
	defer p.Close()
	if !p.Valid() {
		http.Error(w, p.Status().String(), httpStatus(p.Status()))
		return
	}
	if err := setProperty(p, r.Form.Get("value")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st := p.Status(); st != status.OK {
		http.Error(w, st.String(), httpStatus(st))
		return
	}
	log.WithFields(log.Fields{"source": name, "property": p.Name()}).Infof("Property set to %v", r.Form.Get("value"))

	js, err := json.Marshal(toPropertyEntry(p))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
