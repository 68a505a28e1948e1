package ledger

import "time"

// TxType classifies the economic meaning of an observed transfer.
type TxType string

const (
	TxDeposit  TxType = "deposit"
	TxRelease  TxType = "release"
	TxTransfer TxType = "transfer"
)

// TxStatus is the confirmation status of a ledger record.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
)

// Transaction is one append-only row per economically meaningful on-chain
// transfer. Identity for replay dedup is (Hash, LogIndex).
type Transaction struct {
	ID          string    `json:"id"`
	Hash        string    `json:"hash"`
	LogIndex    uint32    `json:"logIndex"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       Amount    `json:"value"`
	Type        TxType    `json:"type"`
	MilestoneID string    `json:"milestoneId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	Status      TxStatus  `json:"status"`
}
