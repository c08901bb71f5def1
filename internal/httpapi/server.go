// Package httpapi exposes the merge engine, meeting resolver and webhook
// orchestrator over HTTP.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"slotd/internal/booking"
	"slotd/internal/dispatch"
	"slotd/internal/merge"
	"slotd/internal/models"
	"slotd/internal/webhook"
)

const maxBodyBytes = 1 << 20

type Server struct {
	logger       *slog.Logger
	store        booking.Store
	merger       *merge.Merger
	resolver     *booking.Resolver
	orchestrator *webhook.Orchestrator
	dispatcher   *dispatch.Dispatcher
}

func NewServer(logger *slog.Logger, store booking.Store, merger *merge.Merger, resolver *booking.Resolver, orchestrator *webhook.Orchestrator, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{
		logger:       logger,
		store:        store,
		merger:       merger,
		resolver:     resolver,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/v1/busy" && r.Method == http.MethodPost {
		s.handleBusy(w, r)
		return
	}
	if r.URL.Path == "/v1/participants/busy" && r.Method == http.MethodPost {
		s.handleParticipantsBusy(w, r)
		return
	}
	if r.URL.Path == "/v1/meetings" && r.Method == http.MethodPost {
		s.handleCreateMeeting(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meetings" && r.Method == http.MethodGet:
		s.handleGetMeeting(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meetings" && r.Method == http.MethodPatch:
		s.handleUpdateMeeting(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meetings" && r.Method == http.MethodDelete:
		s.handleCancelMeeting(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mergeStatus maps a merger error to an HTTP status: caller mistakes are
// 400, strict merges aborted by upstream failures are 502, anything else
// (store errors included) is 500.
func mergeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, merge.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, merge.ErrSourcesFailed):
		return http.StatusBadGateway, "upstream_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type busyRequest struct {
	AccountAddresses []string  `json:"accountAddresses"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Strict           bool      `json:"strict,omitempty"`
}

type busyResponse struct {
	Busy     []models.TimeInterval `json:"busy"`
	Degraded bool                  `json:"degraded"`
	Failures []merge.Failure       `json:"failures,omitempty"`
}

func (s *Server) handleBusy(w http.ResponseWriter, r *http.Request) {
	var req busyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	window := models.TimeInterval{Start: req.Start, End: req.End}
	busy, report, err := s.merger.BusyForAccounts(r.Context(), req.AccountAddresses, window, merge.Options{Strict: req.Strict})
	if err != nil {
		status, code := mergeStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, busyResponse{
		Busy:     emptyIfNil(busy),
		Degraded: report.Degraded(),
		Failures: report.Failures,
	})
}

type participantsBusyRequest struct {
	Participants []models.Participant `json:"participants"`
	Start        time.Time            `json:"start"`
	End          time.Time            `json:"end"`
	Relation     string               `json:"relation,omitempty"`
	Raw          bool                 `json:"raw,omitempty"`
	Strict       bool                 `json:"strict,omitempty"`
}

type participantsBusyResponse struct {
	Busy           []models.TimeInterval   `json:"busy,omitempty"`
	PerParticipant []merge.ParticipantBusy `json:"perParticipant,omitempty"`
	Degraded       bool                    `json:"degraded"`
	Failures       []merge.Failure         `json:"failures,omitempty"`
}

func (s *Server) handleParticipantsBusy(w http.ResponseWriter, r *http.Request) {
	var req participantsBusyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rel := merge.RelationAll
	switch strings.ToUpper(req.Relation) {
	case "", string(merge.RelationAll):
	case string(merge.RelationAny):
		rel = merge.RelationAny
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown relation %q", req.Relation))
		return
	}

	window := models.TimeInterval{Start: req.Start, End: req.End}
	busy, perParticipant, report, err := s.merger.BusyForParticipants(r.Context(), req.Participants, rel, window, req.Raw, merge.Options{Strict: req.Strict})
	if err != nil {
		status, code := mergeStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	resp := participantsBusyResponse{
		Degraded: report.Degraded(),
		Failures: report.Failures,
	}
	if req.Raw {
		resp.PerParticipant = perParticipant
	} else {
		resp.Busy = emptyIfNil(busy)
	}
	writeJSON(w, http.StatusOK, resp)
}

type createMeetingRequest struct {
	AccountAddress string               `json:"accountAddress"`
	Title          string               `json:"title,omitempty"`
	Start          time.Time            `json:"start"`
	End            time.Time            `json:"end"`
	Participants   []models.Participant `json:"participants,omitempty"`
}

type meetingResponse struct {
	Meeting models.MeetingSlot    `json:"meeting"`
	Pushes  []dispatch.PushResult `json:"pushes,omitempty"`
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.AccountAddress == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "accountAddress is required")
		return
	}
	slot := models.MeetingSlot{
		ID:             models.NewID(),
		AccountAddress: req.AccountAddress,
		Title:          req.Title,
		Start:          req.Start.UTC(),
		End:            req.End.UTC(),
		Participants:   req.Participants,
		CreatedAt:      time.Now().UTC(),
	}
	if err := slot.Interval().Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.store.CreateBooking(r.Context(), slot); err != nil {
		if errors.Is(err, booking.ErrSlotTaken) {
			writeError(w, http.StatusConflict, "slot_taken", "the requested slot is no longer available")
			return
		}
		s.logger.Error("Failed to create booking", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create booking")
		return
	}

	resp := meetingResponse{Meeting: slot}
	if s.dispatcher != nil {
		resp.Pushes = s.dispatcher.MeetingCreated(r.Context(), slot)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type updateMeetingRequest struct {
	Title *string    `json:"title,omitempty"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// handleUpdateMeeting reschedules or retitles a meeting. For a series
// occurrence the edit is materialized as an exception for that occurrence
// only; the rest of the series is untouched.
func (s *Server) handleUpdateMeeting(w http.ResponseWriter, r *http.Request, id string) {
	var req updateMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Title == nil && req.Start == nil && req.End == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "nothing to update")
		return
	}

	slot, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("meeting %s not found", id))
			return
		}
		s.logger.Error("Failed to resolve meeting", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve meeting")
		return
	}

	if req.Title != nil {
		slot.Title = *req.Title
	}
	if req.Start != nil {
		slot.Start = req.Start.UTC()
	}
	if req.End != nil {
		slot.End = req.End.UTC()
	}
	if err := slot.Interval().Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if slot.SeriesID != "" {
		err = s.store.UpsertException(r.Context(), slot)
	} else {
		err = s.store.UpdateBooking(r.Context(), slot)
	}
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrSlotTaken):
			writeError(w, http.StatusConflict, "slot_taken", "the requested slot is no longer available")
		case errors.Is(err, booking.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("meeting %s not found", id))
		default:
			s.logger.Error("Failed to update meeting", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to update meeting")
		}
		return
	}

	resp := meetingResponse{Meeting: slot}
	if s.dispatcher != nil {
		resp.Pushes = s.dispatcher.MeetingUpdated(r.Context(), slot)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelMeeting(w http.ResponseWriter, r *http.Request, id string) {
	slot, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("meeting %s not found", id))
			return
		}
		s.logger.Error("Failed to resolve meeting", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve meeting")
		return
	}

	slot.Cancelled = true
	if slot.SeriesID != "" {
		// Cancelling one occurrence materializes it as an exception row.
		err = s.store.UpsertException(r.Context(), slot)
	} else {
		err = s.store.CancelBooking(r.Context(), slot.ID)
	}
	if err != nil {
		s.logger.Error("Failed to cancel meeting", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to cancel meeting")
		return
	}

	resp := meetingResponse{Meeting: slot}
	if s.dispatcher != nil {
		resp.Pushes = s.dispatcher.MeetingCancelled(r.Context(), slot)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request, id string) {
	slot, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("meeting %s not found", id))
			return
		}
		s.logger.Error("Failed to resolve meeting", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve meeting")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// handleWebhook accepts provider change notifications. Header names follow
// the Google push format; the generic X-Channel-ID forms are accepted for
// providers that let us choose our own headers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, providerName string) {
	n := webhook.Notification{
		ChannelID:     headerFirst(r, "X-Goog-Channel-ID", "X-Channel-ID"),
		ResourceID:    headerFirst(r, "X-Goog-Resource-ID", "X-Resource-ID"),
		ResourceState: headerFirst(r, "X-Goog-Resource-State", "X-Resource-State"),
	}
	if n.ChannelID == "" || n.ResourceID == "" || n.ResourceState == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing notification headers")
		return
	}

	outcome, err := s.orchestrator.Notify(r.Context(), n)
	if err != nil {
		// Providers redeliver on non-2xx, which is what we want for a
		// transient sync failure.
		s.logger.Error("Webhook sync failed", "provider", providerName, "channel", n.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func headerFirst(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func emptyIfNil(ivs []models.TimeInterval) []models.TimeInterval {
	if ivs == nil {
		return []models.TimeInterval{}
	}
	return ivs
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
