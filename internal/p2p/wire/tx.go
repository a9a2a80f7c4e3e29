package wire

import (
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
)

// TypeTxnV1 tags the only transaction encoding so far.
const TypeTxnV1 = "txn_v1"

// Txn is the wire-format counterpart of mempool.Txn.
// The Type field is kept for forward compatibility (multiple tx types).
type Txn struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	Nonce uint64 `json:"nonce"`
	Gas   uint64 `json:"gas"`
	Fee   uint64 `json:"fee"`
	Sig   []byte `json:"sig,omitempty"`
	Body  []byte `json:"body,omitempty"`
}

// TxFromInternal converts a pooled transaction to its wire form.
func TxFromInternal(tx *mempool.Txn) Txn {
	return Txn{
		Type:  TypeTxnV1,
		From:  tx.From,
		Nonce: tx.Nonce,
		Gas:   tx.Gas,
		Fee:   tx.Fee,
		Sig:   tx.Sig,
		Body:  tx.Body,
	}
}

// ToInternal converts the wire tx back; an unknown Type yields nil.
func (w Txn) ToInternal() *mempool.Txn {
	if w.Type != TypeTxnV1 {
		return nil
	}
	return &mempool.Txn{
		From:  w.From,
		Nonce: w.Nonce,
		Gas:   w.Gas,
		Fee:   w.Fee,
		Sig:   w.Sig,
		Body:  w.Body,
	}
}
