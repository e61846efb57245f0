package types

import (
	"fmt"
	"time"
)

// Block is a normalized chain-head record.
type Block struct {
	Number           uint64 `json:"number"`
	Hash             string `json:"hash"`
	Beneficiary      string `json:"beneficiary"`
	GasLimit         uint64 `json:"gas_limit"`
	GasUsed          uint64 `json:"gas_used"`
	Time             uint64 `json:"time"`
	Nonce            string `json:"nonce"`
	TransactionCount int    `json:"transaction_count"`
}

// Transaction is the minimal projection of a transaction inside a block.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	BlockNumber uint64 `json:"block_number"`
	Index       uint64 `json:"index"`
}

// BlockWithTransactions is a block together with its transactions.
type BlockWithTransactions struct {
	Block        Block         `json:"block"`
	Transactions []Transaction `json:"transactions"`
}

// Log line origins.
const (
	OriginStdout  = "stdout"
	OriginStderr  = "stderr"
	OriginManager = "manager"
)

// LogLine is one line of node output, or a marker emitted by the manager.
type LogLine struct {
	Origin string    `json:"origin"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// NewLogLine stamps a line with the current time.
func NewLogLine(origin, text string) LogLine {
	return LogLine{Origin: origin, Text: text, Time: time.Now()}
}

// String renders the line with its origin prefix, e.g. "[stdout] Listening".
func (l LogLine) String() string {
	return fmt.Sprintf("[%s] %s", l.Origin, l.Text)
}
