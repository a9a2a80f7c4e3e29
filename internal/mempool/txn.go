package mempool

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalid   = errors.New("invalid transaction")
	ErrOldNonce  = errors.New("old nonce")
	ErrDuplicate = errors.New("duplicate transaction")
	ErrPoolFull  = errors.New("mempool full")
)

// Txn is a nonce-ordered pending transaction. Fee doubles as the priority
// key and selects the broadcast bucket.
type Txn struct {
	From  string
	Nonce uint64
	Gas   uint64
	Fee   uint64
	Sig   []byte // shape-only validation here
	Body  []byte
	h     string
}

// Hash returns the hex sha256 of the transaction's fields.
func (t *Txn) Hash() string {
	if t.h == "" {
		h := sha256.New()
		var n [8]byte
		h.Write([]byte(t.From))
		for _, v := range []uint64{t.Nonce, t.Gas, t.Fee} {
			binary.BigEndian.PutUint64(n[:], v)
			h.Write(n[:])
		}
		h.Write(t.Body)
		t.h = hex.EncodeToString(h.Sum(nil))
	}
	return t.h
}

// Size is the byte budget the transaction consumes in a batch.
func (t *Txn) Size() uint64 {
	return uint64(len(t.From)+len(t.Sig)+len(t.Body)) + 24
}

// Validate performs stateless shape checks only.
func (t *Txn) Validate() error {
	if t.From == "" || t.Gas == 0 || len(t.Sig) < 32 {
		return fmt.Errorf("%w: from=%q gas=%d sig_len=%d", ErrInvalid, t.From, t.Gas, len(t.Sig))
	}
	return nil
}

func (t *Txn) Summary() Summary {
	return Summary{Sender: t.From, Nonce: t.Nonce, Hash: t.Hash()}
}

// Summary names a transaction either by hash or, when Hash is empty, by
// sender and nonce.
type Summary struct {
	Sender string `json:"sender"`
	Nonce  uint64 `json:"nonce"`
	Hash   string `json:"hash,omitempty"`
}

func (s Summary) key() senderNonce { return senderNonce{s.Sender, s.Nonce} }

// Rejected is a summary consensus discarded, with the reason it gave.
type Rejected struct {
	Summary
	Reason string `json:"reason,omitempty"`
}

type senderNonce struct {
	sender string
	nonce  uint64
}
