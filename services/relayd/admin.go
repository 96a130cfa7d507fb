package relayd

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gasrelay/native/fees"
	"gasrelay/native/ratelimit"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Post("/pause", s.handlePause)
	r.Post("/unpause", s.handleUnpause)
	r.Get("/status", s.handleStatus)
	r.Put("/fees", s.handleUpdateFees)
	r.Put("/networks/{id}/gas", s.handleUpdateGas)
	r.Put("/networks/{id}/limits", s.handleUpdateLimits)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(r.Context(), callerFrom(r.Context())); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Unpause(r.Context(), callerFrom(r.Context())); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleUpdateFees(w http.ResponseWriter, r *http.Request) {
	var rates fees.Rates
	if err := decodeBody(w, r, &rates); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	if err := s.orch.UpdateFeePercentages(r.Context(), callerFrom(r.Context()), rates); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

type gasUpdateRequest struct {
	BaseGasPrice string  `json:"baseGasPrice"`
	MaxGasPrice  string  `json:"maxGasPrice"`
	GasLimit     *uint64 `json:"gasLimit"`
	PriorityFee  string  `json:"priorityFee"`
	Active       *bool   `json:"active"`
}

func (b gasUpdateRequest) update() (fees.GasConfigUpdate, error) {
	var (
		out fees.GasConfigUpdate
		err error
	)
	if out.BaseGasPrice, err = parseAmount("baseGasPrice", b.BaseGasPrice); err != nil {
		return out, err
	}
	if out.MaxGasPrice, err = parseAmount("maxGasPrice", b.MaxGasPrice); err != nil {
		return out, err
	}
	if out.PriorityFee, err = parseAmount("priorityFee", b.PriorityFee); err != nil {
		return out, err
	}
	out.GasLimit = b.GasLimit
	out.Active = b.Active
	return out, nil
}

type networkView struct {
	ChainID      uint64 `json:"chainId"`
	Name         string `json:"name"`
	BaseGasPrice string `json:"baseGasPrice"`
	MaxGasPrice  string `json:"maxGasPrice"`
	GasLimit     uint64 `json:"gasLimit"`
	PriorityFee  string `json:"priorityFee"`
	Active       bool   `json:"active"`
}

func (s *Server) handleUpdateGas(w http.ResponseWriter, r *http.Request) {
	network, err := parseUintParam("id", chi.URLParam(r, "id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	var body gasUpdateRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	update, err := body.update()
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	next, err := s.orch.UpdateGasConfig(r.Context(), callerFrom(r.Context()), network, update)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networkView{
		ChainID:      next.ChainID,
		Name:         strings.TrimSpace(next.Name),
		BaseGasPrice: amountString(next.BaseGasPrice),
		MaxGasPrice:  amountString(next.MaxGasPrice),
		GasLimit:     next.GasLimit,
		PriorityFee:  amountString(next.PriorityFee),
		Active:       next.Active,
	})
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	network, err := parseUintParam("id", chi.URLParam(r, "id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	var limits ratelimit.NetworkLimits
	if err := decodeBody(w, r, &limits); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	if err := s.orch.UpdateRateLimits(r.Context(), callerFrom(r.Context()), network, limits); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}
