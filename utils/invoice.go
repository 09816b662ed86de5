package utils

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type Invoice struct {
	Amount      uint64
	PaymentHash lntypes.Hash
	Description string
	ExpiresAt   time.Time
}

func (i Invoice) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// DecodeInvoice parses a bolt11 invoice. Invoices without an amount are
// rejected since a swap must know what it pays.
func DecodeInvoice(invoice string) (*Invoice, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}
	if bolt11.MSatoshi <= 0 {
		return nil, fmt.Errorf("invoice has no amount")
	}

	hash, err := lntypes.MakeHashFromStr(bolt11.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}

	var expiresAt time.Time
	if bolt11.Expiry > 0 {
		expiresAt = time.Unix(int64(bolt11.CreatedAt), 0).Add(time.Duration(bolt11.Expiry) * time.Second)
	}

	return &Invoice{
		Amount:      uint64(bolt11.MSatoshi / 1000),
		PaymentHash: hash,
		Description: bolt11.Description,
		ExpiresAt:   expiresAt,
	}, nil
}

func IsValidInvoice(invoice string) bool {
	_, err := DecodeInvoice(invoice)
	return err == nil
}
