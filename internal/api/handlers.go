package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// HandleHealth health check handler
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "LoRaWAN Node",
		"devAddr": s.config.Device.DevAddr,
		"health":  "/api/v1/health",
		"status":  "/api/v1/status",
	})
}

// HandleLogin exchanges the operator password for a write token.
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.config.API.OperatorPasswordHash == "" {
		s.respondError(w, http.StatusNotFound, "operator login disabled")
		return
	}

	var req struct {
		Password string `json:"password" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.auth.Login(req.Password, s.config.API.OperatorPasswordHash)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		log.Error().Err(err).Msg("Failed to issue token")
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"accessToken": token,
		"expiresIn":   int(s.config.JWT.AccessTokenTTL.Seconds()),
	})
}

// HandleStatus reports the frame counter and radio state.
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.node.Status(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read node status")
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// HandleSendUplink sends one uplink and waits for the radio.
func (s *RESTServer) HandleSendUplink(w http.ResponseWriter, r *http.Request) {
	var req models.UplinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.node.Transmit(r.Context(), req.Data, uint8(req.FPort), req.Confirmed)
	var perr *uplink.PersistenceError
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, models.NewUplinkResponse(res, true))

	case errors.As(err, &perr):
		resp := models.NewUplinkResponse(res, false)
		resp.Error = err.Error()
		s.respondJSON(w, http.StatusInternalServerError, resp)

	case res.SentAt.IsZero():
		s.respondError(w, statusForTransmitError(err), err.Error())

	default:
		// Sent and persisted, but the radio could not be put back into
		// receive.
		resp := models.NewUplinkResponse(res, true)
		resp.Error = err.Error()
		s.respondJSON(w, http.StatusOK, resp)
	}
}

func statusForTransmitError(err error) int {
	switch {
	case errors.Is(err, lorawan.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, uplink.ErrTransmitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, uplink.ErrCounterExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleLinkCheck queues a LinkCheckReq for the next uplink.
func (s *RESTServer) HandleLinkCheck(w http.ResponseWriter, r *http.Request) {
	s.node.RequestLinkCheck()
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
	})
}

// HandleListDownlinks returns the most recent downlinks, newest first.
func (s *RESTServer) HandleListDownlinks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	items := s.downlinks.List(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"totalCount": s.downlinks.Total(),
		"result":     items,
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
