package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

func AccountUpdateKey(eventTime, accountID int64, reason string) string {
	return fmt.Sprintf("acct:%d:%d:%s", accountID, eventTime, reason)
}

func PositionCloseKey(accountID, positionID int64) string {
	return fmt.Sprintf("close:%d:%d", accountID, positionID)
}

// OutcomeKey hashes a closed-position outcome so that the same result reported
// through different paths notifies only once.
func OutcomeKey(accountID, positionID int64, symbol string, pnl float64) string {
	rounded := math.Round(pnl*100) / 100
	raw := fmt.Sprintf("%d|%d|%s|%s", accountID, positionID, symbol, strconv.FormatFloat(rounded, 'f', 2, 64))
	sum := sha256.Sum256([]byte(raw))
	return "outcome:" + hex.EncodeToString(sum[:16])
}

func OrderEventKey(accountID int64, orderID, status string, cumQty float64) string {
	return fmt.Sprintf("order:%d:%s:%s:%s", accountID, orderID, status, strconv.FormatFloat(cumQty, 'f', -1, 64))
}

func PendingPlacementKey(accountID int64, originTag, role string) string {
	return fmt.Sprintf("place:%d:%s:%s", accountID, originTag, role)
}
