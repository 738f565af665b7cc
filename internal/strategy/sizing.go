package strategy

import (
	"math"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

// SizeContracts computes the contract count for a defined-risk structure:
// the smaller of the risk budget divided by per-contract risk and the
// allocation cap divided by the notional a contract controls. Both budgets
// derive from available funds, not net liquidation. A zero cap still permits
// one contract when that single contract fits the risk budget.
func SizeContracts(trading config.TradingConfig, availableFunds, riskPerContract, width float64) int {
	if riskPerContract <= 0 || width <= 0 || availableFunds <= 0 {
		return 0
	}

	maxRisk := trading.MaxRiskPerTrade
	maxPositionValue := availableFunds * trading.MaxAllocationPct / 100

	byRisk := math.Floor(maxRisk / riskPerContract)
	byAlloc := math.Floor(maxPositionValue / (width * models.SharesPerContract))

	contracts := int(math.Min(byRisk, byAlloc))
	if contracts <= 0 {
		if riskPerContract <= maxRisk {
			return 1
		}
		return 0
	}
	return contracts
}
