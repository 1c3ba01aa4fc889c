package api

import (
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/liquidator"
	"github.com/leafsii/lending-liquidator/internal/markets"
)

type MarketDTO struct {
	Address            string       `json:"address"`
	Authority          string       `json:"authority"`
	ProgramID          string       `json:"programId"`
	MinCollateralRatio string       `json:"minCollateralRatio"`
	Reserves           []ReserveDTO `json:"reserves"`
	AsOf               int64        `json:"asOf"`
}

type ReserveDTO struct {
	Symbol                  string `json:"symbol"`
	Name                    string `json:"name"`
	Index                   int    `json:"index"`
	Decimals                uint8  `json:"decimals"`
	Address                 string `json:"address"`
	Price                   string `json:"price,omitempty"`
	PriceAge                int64  `json:"priceAgeSec,omitempty"`
	MarketSize              string `json:"marketSize"`
	AvailableLiquidity      string `json:"availableLiquidity"`
	OutstandingDebt         string `json:"outstandingDebt"`
	ProjectedDebt           string `json:"projectedDebt,omitempty"`
	Utilization             string `json:"utilizationRate"`
	BorrowRate              string `json:"borrowRate"`
	DepositRate             string `json:"depositRate"`
	BorrowAPY               string `json:"borrowApy"`
	DepositAPY              string `json:"depositApy"`
	DepositNoteExchangeRate uint64 `json:"depositNoteExchangeRate"`
	LoanNoteExchangeRate    uint64 `json:"loanNoteExchangeRate"`
	MinCollateralRatio      uint16 `json:"minCollateralRatio"`
	LiquidationPremium      uint16 `json:"liquidationPremium"`
	AccruedUntil            int64  `json:"accruedUntil"`
	Status                  string `json:"status"`
	ConfigLoaded            bool   `json:"configLoaded"`
}

type ObligationDTO struct {
	Obligation         markets.Obligation   `json:"obligation"`
	Value              calc.ObligationValue `json:"value"`
	Healthy            bool                 `json:"healthy"`
	MinCollateralRatio uint16               `json:"minCollateralRatio"`
	// Source is "subscription" for watched obligations and "ledger" for a one-off read.
	Source    string `json:"source"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

type LiquidationsDTO struct {
	Liquidations []liquidator.Result `json:"liquidations"`
	Count        int                 `json:"count"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
