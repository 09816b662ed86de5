package mockboltz

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/infrastructure/esplora"
	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *boltz.Api) {
	s, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		// nolint:all
		s.Stop()
	})
	return s, &boltz.Api{URL: s.URL()}
}

func newPreimage(t *testing.T) lntypes.Preimage {
	var p lntypes.Preimage
	_, err := rand.Read(p[:])
	require.NoError(t, err)
	return p
}

func newPreimageHash(t *testing.T) lntypes.Hash {
	p := newPreimage(t)
	return p.Hash()
}

func newInvoice(t *testing.T, s *Server, hash lntypes.Hash, amount uint64) string {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var paymentAddr [32]byte
	_, err = rand.Read(paymentAddr[:])
	require.NoError(t, err)

	invoice, err := zpay32.NewInvoice(
		s.Network(), hash, time.Now(),
		zpay32.PaymentAddr(paymentAddr),
		zpay32.Amount(lnwire.NewMSatFromSatoshis(btcutil.Amount(amount))),
		zpay32.Description("test"),
	)
	require.NoError(t, err)
	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, chainhash.HashB(msg), true), nil
		},
	})
	require.NoError(t, err)
	return encoded
}

func newKey(t *testing.T) (*btcec.PrivateKey, string) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key, hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func newAddress(t *testing.T, s *Server) string {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(key.PubKey())), s.Network(),
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func status(t *testing.T, api *boltz.Api, id string) string {
	resp, err := api.GetSwapStatus(context.Background(), id)
	require.NoError(t, err)
	return resp.Status
}

func TestPairs(t *testing.T) {
	_, api := startServer(t)
	ctx := context.Background()

	submarine, err := api.GetSubmarinePairs(ctx)
	require.NoError(t, err)
	pair := submarine[boltz.CurrencyBtc][boltz.CurrencyBtc]
	require.Equal(t, uint64(1000), pair.Limits.Minimal)
	require.Equal(t, uint64(10_000_000), pair.Limits.Maximal)
	require.Equal(t, 0.5, pair.Fees.Percentage)

	reverse, err := api.GetReversePairs(ctx)
	require.NoError(t, err)
	require.Contains(t, reverse[boltz.CurrencyBtc], boltz.CurrencyBtc)
}

func TestSubmarineSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("invoice paid", func(t *testing.T) {
		s, api := startServer(t)
		preimage := newPreimage(t)
		s.AddPreimage(preimage)
		_, refundKey := newKey(t)

		resp, err := api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         newInvoice(t, s, preimage.Hash(), 50_000),
			RefundPublicKey: refundKey,
		})
		require.NoError(t, err)
		require.Equal(t, uint64(50_000+250+300), resp.ExpectedAmount)
		require.Equal(t, uint32(100+144), resp.TimeoutBlockHeight)
		require.Contains(t, resp.Bip21, resp.Address)
		require.Equal(t, boltz.InvoiceSet.String(), status(t, api, resp.Id))

		_, err = s.Fund(resp.Address, resp.ExpectedAmount)
		require.NoError(t, err)
		require.Equal(t, boltz.TransactionClaimPending.String(), status(t, api, resp.Id))

		details, err := api.GetSubmarineClaimDetails(ctx, resp.Id)
		require.NoError(t, err)
		require.Equal(t, preimage.String(), details.Preimage)
		require.Len(t, details.TransactionHash, 64)
		require.Equal(
			t, hex.EncodeToString(s.PublicKey().SerializeCompressed()), details.PublicKey,
		)

		// Nothing to refund while the swap is being claimed.
		_, err = api.RefundSubmarine(ctx, resp.Id, boltz.SubmarineRefundRequest{})
		require.Error(t, err)
	})

	t.Run("invoice not payable", func(t *testing.T) {
		s, api := startServer(t)
		_, refundKey := newKey(t)

		resp, err := api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         newInvoice(t, s, newPreimageHash(t), 50_000),
			RefundPublicKey: refundKey,
		})
		require.NoError(t, err)

		_, err = s.Fund(resp.Address, resp.ExpectedAmount)
		require.NoError(t, err)
		require.Equal(t, boltz.InvoiceFailedToPay.String(), status(t, api, resp.Id))

		_, err = api.GetSubmarineClaimDetails(ctx, resp.Id)
		require.Error(t, err)
	})

	t.Run("underpaid", func(t *testing.T) {
		s, api := startServer(t)
		_, refundKey := newKey(t)

		resp, err := api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         newInvoice(t, s, newPreimageHash(t), 50_000),
			RefundPublicKey: refundKey,
		})
		require.NoError(t, err)

		_, err = s.Fund(resp.Address, resp.ExpectedAmount-1)
		require.NoError(t, err)
		require.Equal(t, boltz.TransactionLockupFailed.String(), status(t, api, resp.Id))
	})

	t.Run("expires", func(t *testing.T) {
		s, api := startServer(t)
		_, refundKey := newKey(t)

		resp, err := api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         newInvoice(t, s, newPreimageHash(t), 50_000),
			RefundPublicKey: refundKey,
		})
		require.NoError(t, err)

		s.Mine(143)
		require.Equal(t, boltz.InvoiceSet.String(), status(t, api, resp.Id))
		s.Mine(1)
		require.Equal(t, boltz.SwapExpired.String(), status(t, api, resp.Id))
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		s, api := startServer(t)
		_, refundKey := newKey(t)
		invoice := newInvoice(t, s, newPreimageHash(t), 50_000)

		_, err := api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         newInvoice(t, s, newPreimageHash(t), 10),
			RefundPublicKey: refundKey,
		})
		require.Error(t, err)

		_, err = api.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         invoice,
			RefundPublicKey: "00",
		})
		require.Error(t, err)

		req := boltz.CreateSubmarineRequest{
			From:            boltz.CurrencyBtc,
			To:              boltz.CurrencyBtc,
			Invoice:         invoice,
			RefundPublicKey: refundKey,
		}
		_, err = api.CreateSubmarineSwap(ctx, req)
		require.NoError(t, err)
		_, err = api.CreateSubmarineSwap(ctx, req)
		require.Error(t, err)
	})
}

func TestReverseSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("lockup and confirmation", func(t *testing.T) {
		s, api := startServer(t)
		chain := esplora.NewHTTPService(s.URL())
		preimage := newPreimage(t)
		_, claimKey := newKey(t)

		resp, err := api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
			From:           boltz.CurrencyBtc,
			To:             boltz.CurrencyBtc,
			InvoiceAmount:  100_000,
			PreimageHash:   preimage.Hash().String(),
			ClaimPublicKey: claimKey,
		})
		require.NoError(t, err)
		require.Equal(t, uint64(100_000-500-300), resp.OnchainAmount)
		require.Equal(t, boltz.SwapCreated.String(), status(t, api, resp.Id))

		require.NoError(t, s.LockReverse(resp.Id))
		require.Error(t, s.LockReverse(resp.Id))

		st, err := api.GetSwapStatus(ctx, resp.Id)
		require.NoError(t, err)
		require.Equal(t, boltz.TransactionMempool.String(), st.Status)
		require.NotNil(t, st.Transaction)
		require.NotEmpty(t, st.Transaction.Hex)

		utxos, err := chain.ListUnspent(ctx, resp.LockupAddress)
		require.NoError(t, err)
		require.Len(t, utxos, 1)
		require.Equal(t, resp.OnchainAmount, utxos[0].Amount)
		require.Zero(t, utxos[0].Height)

		s.Mine(1)
		require.Equal(t, boltz.TransactionConfirmed.String(), status(t, api, resp.Id))

		utxos, err = chain.ListUnspent(ctx, resp.LockupAddress)
		require.NoError(t, err)
		require.Equal(t, uint32(101), utxos[0].Height)

		height, err := chain.GetBlockHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(101), height)
	})

	t.Run("refunded by the service after timeout", func(t *testing.T) {
		s, api := startServer(t)
		_, claimKey := newKey(t)

		resp, err := api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
			From:           boltz.CurrencyBtc,
			To:             boltz.CurrencyBtc,
			InvoiceAmount:  100_000,
			PreimageHash:   newPreimageHash(t).String(),
			ClaimPublicKey: claimKey,
		})
		require.NoError(t, err)
		require.NoError(t, s.LockReverse(resp.Id))

		s.Mine(144)
		require.Equal(t, boltz.TransactionRefunded.String(), status(t, api, resp.Id))
		require.Empty(t, s.Unspent(resp.LockupAddress))

		info, ok := s.Swap(resp.Id)
		require.True(t, ok)
		require.NotEmpty(t, info.RefundTxid)
	})

	t.Run("claim rejects wrong preimage", func(t *testing.T) {
		s, api := startServer(t)
		_, claimKey := newKey(t)

		resp, err := api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
			From:           boltz.CurrencyBtc,
			To:             boltz.CurrencyBtc,
			InvoiceAmount:  100_000,
			PreimageHash:   newPreimageHash(t).String(),
			ClaimPublicKey: claimKey,
		})
		require.NoError(t, err)
		require.NoError(t, s.LockReverse(resp.Id))

		_, err = api.ClaimReverse(ctx, resp.Id, boltz.ReverseClaimRequest{
			Preimage: newPreimage(t).String(),
		})
		require.Error(t, err)

		info, _ := s.Swap(resp.Id)
		require.Equal(t, 1, info.ClaimRequests)
	})

	t.Run("bip21 for signed address", func(t *testing.T) {
		s, api := startServer(t)
		key, claimKey := newKey(t)
		address := newAddress(t, s)
		msg := sha256.Sum256([]byte(address))
		sig, err := schnorr.Sign(key, msg[:])
		require.NoError(t, err)

		resp, err := api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
			From:             boltz.CurrencyBtc,
			To:               boltz.CurrencyBtc,
			InvoiceAmount:    100_000,
			PreimageHash:     newPreimageHash(t).String(),
			ClaimPublicKey:   claimKey,
			Address:          address,
			AddressSignature: hex.EncodeToString(sig.Serialize()),
		})
		require.NoError(t, err)

		bip21, err := api.GetReverseBip21(ctx, resp.Invoice)
		require.NoError(t, err)
		require.Equal(t, "bitcoin:"+address+"?amount=0.001", bip21.Bip21)
		require.Equal(t, hex.EncodeToString(sig.Serialize()), bip21.Signature)

		_, err = api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
			From:             boltz.CurrencyBtc,
			To:               boltz.CurrencyBtc,
			InvoiceAmount:    100_000,
			PreimageHash:     newPreimageHash(t).String(),
			ClaimPublicKey:   claimKey,
			Address:          newAddress(t, s),
			AddressSignature: hex.EncodeToString(sig.Serialize()),
		})
		require.Error(t, err)
	})
}

func TestWebsocketReplaysStatus(t *testing.T) {
	s, api := startServer(t)
	ctx := context.Background()
	_, claimKey := newKey(t)

	resp, err := api.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
		From:           boltz.CurrencyBtc,
		To:             boltz.CurrencyBtc,
		InvoiceAmount:  100_000,
		PreimageHash:   newPreimageHash(t).String(),
		ClaimPublicKey: claimKey,
	})
	require.NoError(t, err)

	ws := api.NewWebsocket()
	require.NoError(t, ws.ConnectAndSubscribe(ctx, []string{resp.Id}, 5*time.Second))
	defer func() {
		// nolint:all
		ws.Close()
	}()

	next := func() boltz.SwapUpdate {
		select {
		case update := <-ws.Updates:
			return update
		case <-time.After(5 * time.Second):
			t.Fatal("no update received")
			return boltz.SwapUpdate{}
		}
	}

	update := next()
	require.Equal(t, resp.Id, update.Id)
	require.Equal(t, boltz.SwapCreated.String(), update.Status)

	require.NoError(t, s.LockReverse(resp.Id))
	update = next()
	require.Equal(t, boltz.TransactionMempool.String(), update.Status)
	require.NotNil(t, update.Transaction)
}

func TestBroadcast(t *testing.T) {
	s, api := startServer(t)
	ctx := context.Background()
	chain := esplora.NewHTTPService(s.URL())

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkScript, err := txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(key.PubKey()))
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(pkScript[2:], s.Network())
	require.NoError(t, err)

	fundingTxid, err := s.Fund(addr.EncodeAddress(), 10_000)
	require.NoError(t, err)
	fundingHash, err := chainhash.NewHashFromStr(fundingTxid)
	require.NoError(t, err)

	spend := func(value int64, locktime uint32) string {
		tx := wire.NewMsgTx(2)
		tx.LockTime = locktime
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: *fundingHash},
			Sequence:         wire.MaxTxInSequenceNum - 1,
		})
		tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})

		fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 10_000)
		witness, err := txscript.TaprootWitnessSignature(
			tx, txscript.NewTxSigHashes(tx, fetcher), 0, 10_000, pkScript,
			txscript.SigHashDefault, key,
		)
		require.NoError(t, err)
		tx.TxIn[0].Witness = witness
		raw, err := serializeTx(tx)
		require.NoError(t, err)
		return raw
	}

	t.Run("rejects", func(t *testing.T) {
		_, err := chain.Broadcast(ctx, "00")
		require.Error(t, err)

		_, err = chain.Broadcast(ctx, spend(20_000, 0))
		require.Error(t, err)

		_, err = chain.Broadcast(ctx, spend(9_000, 500))
		require.Error(t, err)
	})

	t.Run("accepts", func(t *testing.T) {
		txid, err := api.BroadcastTransaction(ctx, boltz.CurrencyBtc, spend(9_000, 0))
		require.NoError(t, err)
		require.Equal(t, map[string]int64{txid + ":0": 9_000}, s.Unspent(addr.EncodeAddress()))

		_, err = chain.Broadcast(ctx, spend(8_000, 0))
		require.Error(t, err)
	})
}

func TestRuntimeConfig(t *testing.T) {
	s, _ := startServer(t)

	require.NoError(t, s.SetClaimMode(modeFail))
	require.Equal(t, modeFail, s.getRuntime().ClaimMode)
	require.Error(t, s.SetRefundMode("sometimes"))
	require.Equal(t, modeSuccess, s.getRuntime().RefundMode)
}
