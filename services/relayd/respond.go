package relayd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"gasrelay/core"
	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/requests"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	var rl *nativecommon.RateLimitError
	switch {
	case errors.As(err, &rl), errors.Is(err, nativecommon.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, nativecommon.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, nativecommon.ErrAlreadyExecuted):
		return http.StatusConflict
	case errors.Is(err, requests.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrValidation), errors.Is(err, nativecommon.ErrAmountOutOfBounds):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return nativecommon.Validation("invalid request body: %v", err)
	}
	return nil
}

// parseAmount accepts a decimal or 0x-prefixed hex amount. Empty input
// yields nil so optional fields stay unset.
func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, err = uint256.FromHex(trimmed)
	} else {
		v, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, nativecommon.Validation("invalid %s %q", field, raw)
	}
	return v, nil
}

func parseAsset(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return types.NativeAsset, nil
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return common.Address{}, nativecommon.Validation("%v", err)
	}
	return addr, nil
}

func parseUintParam(field, raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, nativecommon.Validation("invalid %s %q", field, raw)
	}
	return v, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type requestView struct {
	ID                   uint64        `json:"id"`
	Requester            string        `json:"requester"`
	Network              uint64        `json:"network"`
	Target               string        `json:"target"`
	Value                string        `json:"value"`
	Payload              hexutil.Bytes `json:"payload"`
	PayloadDigest        hexutil.Bytes `json:"payloadDigest"`
	GasLimit             uint64        `json:"gasLimit"`
	MaxFeePerGas         string        `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string        `json:"maxPriorityFeePerGas"`
	Asset                string        `json:"asset"`
	Reserved             string        `json:"reserved"`
	PlatformFeeBps       uint32        `json:"platformFeeBps"`
	ProviderFeeBps       uint32        `json:"providerFeeBps"`
	Priority             string        `json:"priority"`
	Status               string        `json:"status"`
	SubmittedAt          time.Time     `json:"submittedAt"`
	ExecutedAt           *time.Time    `json:"executedAt,omitempty"`
	FailureReason        string        `json:"failureReason,omitempty"`
	GasUsed              uint64        `json:"gasUsed"`
	Charged              string        `json:"charged"`
	Refund               string        `json:"refund"`
}

func newRequestView(req *types.Request) requestView {
	view := requestView{
		ID:                   req.ID,
		Requester:            req.Requester.Hex(),
		Network:              req.Network,
		Target:               req.Target.Hex(),
		Value:                amountString(req.Value),
		Payload:              req.Payload,
		PayloadDigest:        req.PayloadDigest[:],
		GasLimit:             req.GasLimit,
		MaxFeePerGas:         amountString(req.MaxFeePerGas),
		MaxPriorityFeePerGas: amountString(req.MaxPriorityFeePerGas),
		Asset:                assetString(req.Asset),
		Reserved:             amountString(req.Reserved),
		PlatformFeeBps:       req.PlatformFeeBps,
		ProviderFeeBps:       req.ProviderFeeBps,
		Priority:             req.Priority.String(),
		Status:               req.Status.String(),
		SubmittedAt:          req.SubmittedAt,
		FailureReason:        req.FailureReason,
		GasUsed:              req.GasUsed,
		Charged:              amountString(req.Charged),
		Refund:               amountString(req.Refund),
	}
	if !req.ExecutedAt.IsZero() {
		at := req.ExecutedAt
		view.ExecutedAt = &at
	}
	return view
}

type outcomeView struct {
	RequestID   uint64 `json:"requestId"`
	Status      string `json:"status,omitempty"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	GasUsed     uint64 `json:"gasUsed"`
	GasCost     string `json:"gasCost,omitempty"`
	PlatformFee string `json:"platformFee,omitempty"`
	ProviderFee string `json:"providerFee,omitempty"`
	Refund      string `json:"refund,omitempty"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

func newOutcomeView(o core.Outcome) outcomeView {
	view := outcomeView{
		RequestID:  o.RequestID,
		Success:    o.Success,
		Reason:     o.Reason,
		GasUsed:    o.GasUsed,
		DurationMs: o.Duration.Milliseconds(),
		Error:      o.Error,
	}
	if o.Err == nil {
		view.Status = o.Status.String()
		view.GasCost = amountString(o.GasCost)
		view.PlatformFee = amountString(o.PlatformFee)
		view.ProviderFee = amountString(o.ProviderFee)
		view.Refund = amountString(o.Refund)
	}
	return view
}

func assetString(asset common.Address) string {
	if types.IsNative(asset) {
		return "native"
	}
	return asset.Hex()
}

func validationErr(err error) error {
	return nativecommon.Validation("%v", err)
}

func hexDecode(raw string) ([]byte, error) {
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}
