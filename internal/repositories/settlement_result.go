package repositories

import "github.com/americana-market/api/internal/domain"

// SettlementSkipReason explains why a settlement event left the order unchanged.
type SettlementSkipReason string

const (
	// SettlementSkipAlreadyApplied means the event key is already recorded on the order.
	SettlementSkipAlreadyApplied SettlementSkipReason = "already_applied"
	// SettlementSkipStale means the order status does not accept the event's transition.
	SettlementSkipStale SettlementSkipReason = "stale_transition"
	// SettlementSkipStoreMismatch means the event names a different store than the order.
	SettlementSkipStoreMismatch SettlementSkipReason = "store_mismatch"
	// SettlementSkipOrderNotFound means no order exists for the event; it is queued for reconciliation.
	SettlementSkipOrderNotFound SettlementSkipReason = "order_not_found"
)

// SettlementApplyResult reports the order after ApplySettlement and whether it changed.
type SettlementApplyResult struct {
	Order      domain.Order
	Applied    bool
	SkipReason SettlementSkipReason
	Previous   domain.OrderStatus
}
