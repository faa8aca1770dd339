package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sserrors "github.com/vango-dev/scenesync/internal/errors"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

// PeerStatus describes one connected peer.
type PeerStatus struct {
	Index    int    `json:"index"`
	Host     string `json:"host"`
	Stream   uint32 `json:"stream"`
	State    string `json:"state"`
	Remote   string `json:"remote"`
	Inbound  int    `json:"inbound"`
	Outbox   int    `json:"outbox"`
	Controls int    `json:"controls"`
	RTT      string `json:"rtt,omitempty"`
	Frame    uint32 `json:"frame"`
}

// Status is the body of GET /status.
type Status struct {
	Host      string       `json:"host"`
	Frame     uint32       `json:"frame"`
	Objects   int          `json:"objects"`
	Peers     []PeerStatus `json:"peers"`
	Clients   string       `json:"clients"`
	SendAll   string       `json:"sendAll"`
	SyncAll   string       `json:"syncAll"`
	SyncFlags string       `json:"syncFlags"`
	SendAgain string       `json:"sendAgain"`
	Stats     Stats        `json:"stats"`
}

// handleSync upgrades the request and adds the peer. The handshake runs on
// a context detached from the request so the link outlives the handler.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	remote := s.clientIP(r)
	ws, err := link.Upgrade(w, r, s.config.Link)
	if err != nil {
		s.stats.rejected.Add(1)
		s.logger.Warn("upgrade failed", "remote", remote, "error", err)
		return
	}

	c, err := s.sync.Accept(context.WithoutCancel(r.Context()), ws)
	if err != nil {
		s.stats.rejected.Add(1)
		s.logger.Warn("peer rejected", "remote", remote, "request_id", middleware.GetReqID(r.Context()), "error", err)
		return
	}
	s.stats.accepted.Add(1)
	s.logger.Info("peer joined", "peer", c.Index(), "host", c.Host(), "stream", c.StreamID(), "remote", remote)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// Status reports the synchronizer and its peers.
func (s *Server) Status() Status {
	st := Status{
		Host:      s.sync.Host(),
		Frame:     s.sync.Frame(),
		Objects:   s.sync.Messenger().Table().Len(),
		Peers:     []PeerStatus{},
		Clients:   s.sync.AllClients().String(),
		SendAll:   s.sync.SendAll().String(),
		SyncAll:   s.sync.SyncAll().String(),
		SyncFlags: s.sync.SyncFlags().String(),
		SendAgain: s.sync.SendAgain().String(),
		Stats:     s.Stats(),
	}
	for _, c := range s.sync.Conns() {
		st.Peers = append(st.Peers, peerStatus(c))
	}
	return st
}

func peerStatus(c *syncer.Conn) PeerStatus {
	ps := PeerStatus{
		Index:    c.Index(),
		Host:     c.Host(),
		Stream:   c.StreamID(),
		State:    c.State().String(),
		Remote:   c.RemoteAddr(),
		Inbound:  c.Inbound(),
		Outbox:   c.Outbox(),
		Controls: c.Controls(),
		Frame:    c.PeerFrame(),
	}
	if rtt := c.RTT(); rtt > 0 {
		ps.RTT = rtt.String()
	}
	return ps
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []record.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSaveRecording(w http.ResponseWriter, r *http.Request) {
	info, err := s.recorder.Save(r.Context(), s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.stats.recordings.Add(1)
	s.logger.Info("recording saved", "id", info.ID, "name", info.Name, "size", info.Size)
	writeJSON(w, http.StatusCreated, info)
}

// recordingID returns the {id} URL parameter, or writes an error.
func (s *Server) recordingID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := record.CheckID(id); err != nil {
		s.writeError(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordingID(w, r)
	if !ok {
		return
	}
	data, info, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.ID+".ssr"))
	w.Header().Set("X-Recording-Name", info.Name)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordingID(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError sends err as a JSON diagnostic with a status derived from the
// record sentinels.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, record.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, record.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, record.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, record.ErrStoreClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("recordings request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintln(w, sserrors.Classify(err, "S300").FormatJSON())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
