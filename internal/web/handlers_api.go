package web

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

// sensorView merges the dongle's live sensor list with stored configuration.
// Bound reports whether the dongle currently lists the sensor.
type sensorView struct {
	MAC      string               `json:"mac"`
	Type     string               `json:"type"`
	Version  uint8                `json:"version"`
	Bound    bool                 `json:"bound"`
	Alias    string               `json:"alias,omitempty"`
	Topics   []store.TopicBinding `json:"topics,omitempty"`
	AddedAt  time.Time            `json:"added_at"`
	LastSeen time.Time            `json:"last_seen"`
	Last     map[string]any       `json:"last,omitempty"`
}

func newSensorView(live *protocol.Sensor, rec *store.Sensor) sensorView {
	var v sensorView
	if rec != nil {
		v = sensorView{
			MAC:      rec.MAC,
			Type:     rec.Type,
			Version:  rec.Version,
			Alias:    rec.Alias,
			Topics:   rec.Topics,
			AddedAt:  rec.AddedAt,
			LastSeen: rec.LastSeen,
			Last:     rec.Last,
		}
	}
	if live != nil {
		v.MAC = live.MAC
		v.Type = live.Type.String()
		v.Version = live.Version
		v.Bound = true
	}
	return v
}

func (s *Server) handleAPIListSensors(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListSensors()
	if err != nil {
		s.logger.Error("list sensors", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	byMAC := make(map[string]*store.Sensor, len(records))
	views := make(map[string]sensorView, len(records))
	for _, rec := range records {
		byMAC[rec.MAC] = rec
		views[rec.MAC] = newSensorView(nil, rec)
	}
	for _, live := range s.eng.Sensors() {
		views[live.MAC] = newSensorView(&live, byMAC[live.MAC])
	}

	out := make([]sensorView, 0, len(views))
	for _, v := range views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	s.writeJSON(w, http.StatusOK, out)
}

// sensorFor looks a sensor up in the live registry and the store. found is
// false when neither knows it.
func (s *Server) sensorFor(mac string) (live *protocol.Sensor, rec *store.Sensor, found bool, err error) {
	if sensor, ok := s.eng.Sensor(mac); ok {
		live = &sensor
	}
	rec, err = s.store.GetSensor(mac)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = nil, nil
	}
	return live, rec, live != nil || rec != nil, err
}

func (s *Server) handleAPIGetSensor(w http.ResponseWriter, r *http.Request) {
	mac := strings.ToUpper(r.PathValue("mac"))
	live, rec, found, err := s.sensorFor(mac)
	if err != nil {
		s.logger.Error("get sensor", "mac", mac, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "sensor not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newSensorView(live, rec))
}

// updateSensorRequest changes a sensor's configuration. Omitted fields are
// left unchanged.
type updateSensorRequest struct {
	Alias  *string               `json:"alias"`
	Topics *[]store.TopicBinding `json:"topics"`
}

func (s *Server) handleAPIUpdateSensor(w http.ResponseWriter, r *http.Request) {
	mac := strings.ToUpper(r.PathValue("mac"))
	live, rec, found, err := s.sensorFor(mac)
	if err != nil {
		s.logger.Error("get sensor", "mac", mac, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "sensor not found")
		return
	}

	var req updateSensorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Topics != nil {
		for _, b := range *req.Topics {
			if _, err := s.store.GetTemplate(b.Template); err != nil {
				s.writeError(w, http.StatusBadRequest, "unknown template: "+b.Template)
				return
			}
		}
	}

	if rec == nil {
		rec = &store.Sensor{MAC: mac, Type: live.Type.String(), Version: live.Version, Bound: true, AddedAt: time.Now()}
	}
	if req.Alias != nil {
		rec.Alias = strings.TrimSpace(*req.Alias)
	}
	if req.Topics != nil {
		rec.Topics = *req.Topics
	}
	if err := s.store.SaveSensor(rec); err != nil {
		s.logger.Error("update sensor", "mac", mac, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, newSensorView(live, rec))
}

// handleAPIDeleteSensor unbinds the sensor from the dongle. With
// ?forget=true its stored configuration is dropped as well.
func (s *Server) handleAPIDeleteSensor(w http.ResponseWriter, r *http.Request) {
	mac := strings.ToUpper(r.PathValue("mac"))
	if err := s.eng.DeleteSensor(r.Context(), mac); err != nil {
		s.writeEngineError(w, "delete sensor", err)
		return
	}
	if r.URL.Query().Get("forget") == "true" {
		if err := s.store.DeleteSensor(mac); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("forget sensor", "mac", mac, "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshSensors(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RefreshSensorList(r.Context()); err != nil {
		s.writeEngineError(w, "refresh sensors", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": len(s.eng.Sensors())})
}

// dongleView is the dongle state plus what the store remembers about it.
type dongleView struct {
	engine.DongleState
	LastStarted *time.Time `json:"last_started,omitempty"`
}

func (s *Server) handleAPIDongle(w http.ResponseWriter, r *http.Request) {
	v := dongleView{DongleState: s.eng.State()}
	d, err := s.store.GetDongle()
	switch {
	case err == nil:
		v.LastStarted = &d.LastStarted
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("get dongle record", "err", err)
	}
	s.writeJSON(w, http.StatusOK, v)
}

type setLEDRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleAPISetLED(w http.ResponseWriter, r *http.Request) {
	var req setLEDRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.eng.SetLED(r.Context(), req.On); err != nil {
		s.writeEngineError(w, "set led", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"on": req.On})
}

type startScanRequest struct {
	Seconds int `json:"seconds"`
}

// handleAPIStartScan starts inclusion. An empty body uses the default scan
// timeout.
func (s *Server) handleAPIStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	if req.Seconds < 0 || req.Seconds > 3600 {
		s.writeError(w, http.StatusBadRequest, "seconds must be 0-3600")
		return
	}
	if err := s.eng.StartScan(r.Context(), time.Duration(req.Seconds)*time.Second); err != nil {
		s.writeEngineError(w, "start scan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "scanning"})
}

func (s *Server) handleAPIStopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.StopScan(r.Context()); err != nil {
		s.writeEngineError(w, "stop scan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleAPIRadioUpdate puts the dongle radio into firmware update mode.
func (s *Server) handleAPIRadioUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RequestRadioUpdate(r.Context()); err != nil {
		s.writeEngineError(w, "radio update", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "update_mode"})
}

func (s *Server) handleAPIListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		s.logger.Error("list templates", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if templates == nil {
		templates = []*store.Template{}
	}
	s.writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleAPIGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "template not found")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// handleAPIPutTemplate creates or replaces a template. The name in the path
// wins over any name in the body.
func (s *Server) handleAPIPutTemplate(w http.ResponseWriter, r *http.Request) {
	var t store.Template
	if !s.decodeBody(w, r, &t) {
		return
	}
	t.Name = r.PathValue("name")
	if err := s.store.SaveTemplate(&t); err != nil {
		if errors.Is(err, store.ErrInvalidTemplate) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save template", "name", t.Name, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAPIDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.DeleteTemplate(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "template not found")
			return
		}
		s.logger.Error("delete template", "name", name, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
