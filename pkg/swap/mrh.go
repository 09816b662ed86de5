package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// MagicRoutingHintChannelId marks the route hint whose node id is the key
// that signed the receiver's onchain address.
const MagicRoutingHintChannelId uint64 = 596385002596073472

// MRHRecord is a direct onchain payment target embedded in an invoice.
type MRHRecord struct {
	Address   string
	Amount    uint64
	Bip21     string
	Signature []byte
}

type Bip21Source interface {
	GetReverseBip21(ctx context.Context, invoice string) (*boltz.Bip21Response, error)
}

// FindMagicRoutingHint returns the receiver key of the invoice's magic routing
// hint and the invoice amount in sats, or a nil key if there is none.
func FindMagicRoutingHint(
	invoice string, network *chaincfg.Params,
) (*btcec.PublicKey, uint64, error) {
	decoded, err := zpay32.Decode(invoice, network)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode invoice: %w", err)
	}

	var amount uint64
	if decoded.MilliSat != nil {
		amount = uint64(decoded.MilliSat.ToSatoshis())
	}

	for _, hint := range decoded.RouteHints {
		for _, hop := range hint {
			if hop.ChannelID == MagicRoutingHintChannelId && hop.NodeID != nil {
				return hop.NodeID, amount, nil
			}
		}
	}
	return nil, amount, nil
}

// CheckForMRH looks for a verified direct payment target in invoice. Any
// problem means no shortcut: the caller goes on with a regular swap.
func CheckForMRH(
	ctx context.Context, source Bip21Source, invoice string, network *chaincfg.Params,
) (*MRHRecord, bool) {
	logger := log.WithField("invoice", shorten(invoice))

	receiverKey, invoiceAmount, err := FindMagicRoutingHint(invoice, network)
	if err != nil {
		logger.WithError(err).Debug("no magic routing hint")
		return nil, false
	}
	if receiverKey == nil {
		return nil, false
	}

	resp, err := source.GetReverseBip21(ctx, invoice)
	if err != nil {
		logger.WithError(err).Warn("invoice has a magic routing hint but no bip21")
		return nil, false
	}

	record, err := verifyBip21(resp, receiverKey, invoiceAmount, network)
	if err != nil {
		logger.WithError(err).Warn("ignoring magic routing hint")
		return nil, false
	}

	logger.Infof("invoice can be paid directly to %s", record.Address)
	return record, true
}

func verifyBip21(
	resp *boltz.Bip21Response, receiverKey *btcec.PublicKey, invoiceAmount uint64,
	network *chaincfg.Params,
) (*MRHRecord, error) {
	address, amount, err := ParseBip21(resp.Bip21)
	if err != nil {
		return nil, err
	}

	decoded, err := btcutil.DecodeAddress(address, network)
	if err != nil || !decoded.IsForNet(network) {
		return nil, fmt.Errorf("bip21 address %s is not valid for %s", address, network.Name)
	}

	sigBytes, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	msg := sha256.Sum256([]byte(address))
	if !sig.Verify(msg[:], receiverKey) {
		return nil, fmt.Errorf("address signature does not verify against receiver key")
	}

	// Paying an address with no amount would leave the sum to the payer.
	if amount == 0 {
		return nil, fmt.Errorf("bip21 carries no amount")
	}
	if invoiceAmount > 0 && amount > invoiceAmount {
		return nil, fmt.Errorf(
			"bip21 amount %d exceeds invoice amount %d", amount, invoiceAmount,
		)
	}

	return &MRHRecord{
		Address:   address,
		Amount:    amount,
		Bip21:     resp.Bip21,
		Signature: sigBytes,
	}, nil
}

// ParseBip21 extracts address and amount in sats from a bitcoin: URI.
func ParseBip21(uri string) (string, uint64, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, fmt.Errorf("invalid bip21: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "bitcoin") {
		return "", 0, fmt.Errorf("invalid bip21 scheme %q", u.Scheme)
	}

	address := u.Opaque
	if address == "" {
		address = strings.TrimPrefix(u.Path, "/")
	}
	if address == "" {
		return "", 0, fmt.Errorf("bip21 has no address")
	}

	var amount uint64
	if raw := u.Query().Get("amount"); raw != "" {
		btc, err := decimal.NewFromString(raw)
		if err != nil {
			return "", 0, fmt.Errorf("invalid bip21 amount %q: %w", raw, err)
		}
		sats := btc.Shift(8)
		if sats.IsNegative() || !sats.IsInteger() {
			return "", 0, fmt.Errorf("invalid bip21 amount %q", raw)
		}
		amount = uint64(sats.IntPart())
	}

	return address, amount, nil
}

// SignAddress signs address the way payers of our invoices verify it.
func SignAddress(key *btcec.PrivateKey, address string) (string, error) {
	msg := sha256.Sum256([]byte(address))
	sig, err := schnorr.Sign(key, msg[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign address: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// PaymentInstruction tells the user where to send onchain funds.
type PaymentInstruction struct {
	Address string
	Amount  uint64
	Bip21   string
}

func NewPaymentInstruction(address string, amount uint64) PaymentInstruction {
	btc := decimal.NewFromInt(int64(amount)).Shift(-8)
	return PaymentInstruction{
		Address: address,
		Amount:  amount,
		Bip21:   fmt.Sprintf("bitcoin:%s?amount=%s", address, btc.String()),
	}
}

func shorten(s string) string {
	if len(s) <= 24 {
		return s
	}
	return s[:12] + "..." + s[len(s)-8:]
}
