package server

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/config"
	"p2pramp/internal/escrow"
	"p2pramp/internal/orchestrator"
)

type escrowParamsView struct {
	Owner                   string `json:"owner"`
	Orchestrator            string `json:"orchestrator"`
	FeeRecipient            string `json:"feeRecipient"`
	MakerProtocolFee        string `json:"makerProtocolFee"`
	DustThreshold           string `json:"dustThreshold"`
	IntentExpirationSeconds int64  `json:"intentExpirationSeconds"`
	MaxIntentsPerDeposit    int    `json:"maxIntentsPerDeposit"`
	Paused                  bool   `json:"paused"`
}

func escrowParamsResponse(p escrow.Params) escrowParamsView {
	return escrowParamsView{
		Owner:                   p.Owner.Hex(),
		Orchestrator:            p.Orchestrator.Hex(),
		FeeRecipient:            p.FeeRecipient.Hex(),
		MakerProtocolFee:        config.FormatRate(p.MakerProtocolFee),
		DustThreshold:           p.DustThreshold.String(),
		IntentExpirationSeconds: int64(p.IntentExpirationPeriod / time.Second),
		MaxIntentsPerDeposit:    p.MaxIntentsPerDeposit,
		Paused:                  p.Paused,
	}
}

type orchestratorParamsView struct {
	Owner                string `json:"owner"`
	Escrow               string `json:"escrow"`
	ProtocolFee          string `json:"protocolFee"`
	ProtocolFeeRecipient string `json:"protocolFeeRecipient"`
	AllowMultipleIntents bool   `json:"allowMultipleIntents"`
	Paused               bool   `json:"paused"`
}

func orchestratorParamsResponse(p orchestrator.Params) orchestratorParamsView {
	return orchestratorParamsView{
		Owner:                p.Owner.Hex(),
		Escrow:               p.Escrow.Hex(),
		ProtocolFee:          config.FormatRate(p.ProtocolFee),
		ProtocolFeeRecipient: p.ProtocolFeeRecipient.Hex(),
		AllowMultipleIntents: p.AllowMultipleIntents,
		Paused:               p.Paused,
	}
}

func (s *Server) escrowParams(_ *http.Request, _ common.Address, _ []byte) (int, any, error) {
	return http.StatusOK, escrowParamsResponse(s.escrow.Params()), nil
}

func (s *Server) orchestratorParams(_ *http.Request, _ common.Address, _ []byte) (int, any, error) {
	return http.StatusOK, orchestratorParamsResponse(s.orch.Params()), nil
}

// updateEscrowParams applies each field present in the body in order. Every
// setter is owner-only; the first failure stops the remaining updates.
func (s *Server) updateEscrowParams(_ *http.Request, caller common.Address, body []byte) (int, any, error) {
	var req struct {
		MakerProtocolFee        *string `json:"makerProtocolFee"`
		FeeRecipient            *string `json:"feeRecipient"`
		DustThreshold           *string `json:"dustThreshold"`
		IntentExpirationSeconds *int64  `json:"intentExpirationSeconds"`
		MaxIntentsPerDeposit    *int    `json:"maxIntentsPerDeposit"`
		Paused                  *bool   `json:"paused"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}

	if req.MakerProtocolFee != nil {
		fee, err := parseRate("makerProtocolFee", *req.MakerProtocolFee)
		if err != nil {
			return 0, nil, err
		}
		if err := s.escrow.SetMakerProtocolFee(caller, fee); err != nil {
			return 0, nil, err
		}
	}
	if req.FeeRecipient != nil {
		addr, err := parseAddress("feeRecipient", *req.FeeRecipient)
		if err != nil {
			return 0, nil, err
		}
		if err := s.escrow.SetFeeRecipient(caller, addr); err != nil {
			return 0, nil, err
		}
	}
	if req.DustThreshold != nil {
		v, err := parseAmount("dustThreshold", *req.DustThreshold)
		if err != nil {
			return 0, nil, err
		}
		if err := s.escrow.SetDustThreshold(caller, v); err != nil {
			return 0, nil, err
		}
	}
	if req.IntentExpirationSeconds != nil {
		period := time.Duration(*req.IntentExpirationSeconds) * time.Second
		if err := s.escrow.SetIntentExpirationPeriod(caller, period); err != nil {
			return 0, nil, err
		}
	}
	if req.MaxIntentsPerDeposit != nil {
		if err := s.escrow.SetMaxIntentsPerDeposit(caller, *req.MaxIntentsPerDeposit); err != nil {
			return 0, nil, err
		}
	}
	if req.Paused != nil {
		pause := s.escrow.Unpause
		if *req.Paused {
			pause = s.escrow.Pause
		}
		if err := pause(caller); err != nil {
			return 0, nil, err
		}
	}
	return http.StatusOK, escrowParamsResponse(s.escrow.Params()), nil
}

func (s *Server) updateOrchestratorParams(_ *http.Request, caller common.Address, body []byte) (int, any, error) {
	var req struct {
		ProtocolFee          *string `json:"protocolFee"`
		ProtocolFeeRecipient *string `json:"protocolFeeRecipient"`
		AllowMultipleIntents *bool   `json:"allowMultipleIntents"`
		Paused               *bool   `json:"paused"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}

	// The recipient goes first so a fee can be enabled in the same request.
	if req.ProtocolFeeRecipient != nil {
		addr, err := parseAddress("protocolFeeRecipient", *req.ProtocolFeeRecipient)
		if err != nil {
			return 0, nil, err
		}
		if err := s.orch.SetProtocolFeeRecipient(caller, addr); err != nil {
			return 0, nil, err
		}
	}
	if req.ProtocolFee != nil {
		fee, err := parseRate("protocolFee", *req.ProtocolFee)
		if err != nil {
			return 0, nil, err
		}
		if err := s.orch.SetProtocolFee(caller, fee); err != nil {
			return 0, nil, err
		}
	}
	if req.AllowMultipleIntents != nil {
		if err := s.orch.SetAllowMultipleIntents(caller, *req.AllowMultipleIntents); err != nil {
			return 0, nil, err
		}
	}
	if req.Paused != nil {
		pause := s.orch.Unpause
		if *req.Paused {
			pause = s.orch.Pause
		}
		if err := pause(caller); err != nil {
			return 0, nil, err
		}
	}
	return http.StatusOK, orchestratorParamsResponse(s.orch.Params()), nil
}
