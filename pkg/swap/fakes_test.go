package swap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/ArkLabsHQ/swapd/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

var testNetwork = &chaincfg.MainNetParams

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func newPreimage(t *testing.T) lntypes.Preimage {
	t.Helper()
	var p lntypes.Preimage
	_, err := rand.Read(p[:])
	require.NoError(t, err)
	return p
}

func newAddress(t *testing.T) string {
	t.Helper()
	key := newKey(t)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(key.PubKey())), testNetwork,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newTxid(t *testing.T) string {
	t.Helper()
	var h chainhash.Hash
	_, err := rand.Read(h[:])
	require.NoError(t, err)
	return h.String()
}

// newInvoice encodes a signed invoice for hash. hints become route hints.
func newInvoice(
	t *testing.T, hash lntypes.Hash, amountSat uint64, hints ...zpay32.HopHint,
) string {
	t.Helper()
	invoice, err := encodeInvoice(hash, amountSat, hints...)
	require.NoError(t, err)
	return invoice
}

func encodeInvoice(hash lntypes.Hash, amountSat uint64, hints ...zpay32.HopHint) (string, error) {
	opts := []func(*zpay32.Invoice){zpay32.Description("swap")}
	if amountSat > 0 {
		opts = append(opts, zpay32.Amount(lnwire.NewMSatFromSatoshis(btcutil.Amount(amountSat))))
	}
	if len(hints) > 0 {
		opts = append(opts, zpay32.RouteHint(hints))
	}

	invoice, err := zpay32.NewInvoice(testNetwork, hash, time.Now(), opts...)
	if err != nil {
		return "", err
	}
	nodeKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}
	return invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(nodeKey, chainhash.HashB(msg), true), nil
		},
	})
}

type fakeChain struct {
	mu         sync.Mutex
	height     uint32
	feeRate    float64
	utxos      map[string][]Utxo
	broadcasts []*wire.MsgTx

	broadcastErr error
	// rejectBroadcasts makes the next broadcasts fail as if below the
	// mempool minimum fee.
	rejectBroadcasts int
	rejected         []*wire.MsgTx
}

func newFakeChain(height uint32) *fakeChain {
	return &fakeChain{
		height:  height,
		feeRate: 2,
		utxos:   make(map[string][]Utxo),
	}
}

func (c *fakeChain) fund(address string, amount uint64) Utxo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var h chainhash.Hash
	// nolint:all
	rand.Read(h[:])
	u := Utxo{Txid: h.String(), Vout: 0, Amount: amount}
	c.utxos[address] = append(c.utxos[address], u)
	return u
}

// mine confirms everything in mempool in a new block.
func (c *fakeChain) mine() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height++
	for addr, utxos := range c.utxos {
		for i := range utxos {
			if utxos[i].Height == 0 {
				utxos[i].Height = c.height
			}
		}
		c.utxos[addr] = utxos
	}
}

func (c *fakeChain) setHeight(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = height
}

func (c *fakeChain) lastBroadcast() *wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcasts) == 0 {
		return nil
	}
	return c.broadcasts[len(c.broadcasts)-1]
}

func (c *fakeChain) ListUnspent(_ context.Context, address string) ([]Utxo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Utxo(nil), c.utxos[address]...), nil
}

func (c *fakeChain) GetBlockHeight(context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) EstimateFeeRate(context.Context) (float64, error) {
	return c.feeRate, nil
}

func (c *fakeChain) Broadcast(_ context.Context, txHex string) (string, error) {
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	tx, err := deserializeTransaction(txHex)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectBroadcasts > 0 {
		c.rejectBroadcasts--
		c.rejected = append(c.rejected, tx)
		return "", fmt.Errorf("%w: min relay fee not met", ErrBroadcastRejected)
	}
	c.broadcasts = append(c.broadcasts, tx)
	return tx.TxHash().String(), nil
}

type serviceSwap struct {
	script   *SwapScript
	preimage *lntypes.Preimage

	claimNonces *musig2.Nonces
	claimMsg    [32]byte
}

// fakeService plays the swap service, including its side of every MuSig2
// round.
type fakeService struct {
	mu      sync.Mutex
	key     *btcec.PrivateKey
	chain   *fakeChain
	timeout uint32

	swaps     map[string]*serviceSwap
	preimages map[lntypes.Hash]lntypes.Preimage
	created   int
	cosigned  int
	relayed   int

	refuseCooperation bool
	badPartial        bool
	wrongPreimage     bool
	bip21             *boltz.Bip21Response
}

func newFakeService(t *testing.T, chain *fakeChain) *fakeService {
	return &fakeService{
		key:       newKey(t),
		chain:     chain,
		timeout:   144,
		swaps:     make(map[string]*serviceSwap),
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
	}
}

func (s *fakeService) refusal() error {
	return &boltz.HTTPError{
		Method: http.MethodPost, URL: "fake", StatusCode: http.StatusBadRequest,
		Body: "swap not eligible for a cooperative spend",
	}
}

func (s *fakeService) lookup(id string) (*serviceSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swaps[id]
	if !ok {
		return nil, fmt.Errorf("unknown swap %s", id)
	}
	return sw, nil
}

func (s *fakeService) register(sw *serviceSwap) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	id := fmt.Sprintf("swap%d", s.created)
	s.swaps[id] = sw
	return id
}

func (s *fakeService) height() uint32 {
	h, _ := s.chain.GetBlockHeight(context.Background())
	return h
}

func (s *fakeService) CreateSubmarineSwap(
	_ context.Context, req boltz.CreateSubmarineRequest,
) (*boltz.CreateSubmarineResponse, error) {
	decoded, err := utils.DecodeInvoice(req.Invoice)
	if err != nil {
		return nil, err
	}
	amount, hash := decoded.Amount, decoded.PaymentHash
	refundKey, err := parsePubkey(req.RefundPublicKey)
	if err != nil {
		return nil, err
	}
	script, err := NewSwapScript(
		Submarine, s.key.PubKey(), refundKey, hash, s.height()+s.timeout,
	)
	if err != nil {
		return nil, err
	}
	address, err := script.Address(testNetwork)
	if err != nil {
		return nil, err
	}

	sw := &serviceSwap{script: script}
	if p, ok := s.preimages[hash]; ok {
		sw.preimage = &p
	}
	id := s.register(sw)

	return &boltz.CreateSubmarineResponse{
		Id:                 id,
		Address:            address,
		SwapTree:           script.SwapTree(),
		ClaimPublicKey:     hex.EncodeToString(s.key.PubKey().SerializeCompressed()),
		TimeoutBlockHeight: script.TimeoutBlockHeight,
		ExpectedAmount:     amount + 1000,
	}, nil
}

func (s *fakeService) CreateReverseSwap(
	_ context.Context, req boltz.CreateReverseRequest,
) (*boltz.CreateReverseResponse, error) {
	hash, err := lntypes.MakeHashFromStr(req.PreimageHash)
	if err != nil {
		return nil, err
	}
	claimKey, err := parsePubkey(req.ClaimPublicKey)
	if err != nil {
		return nil, err
	}
	script, err := NewSwapScript(
		Reverse, claimKey, s.key.PubKey(), hash, s.height()+s.timeout,
	)
	if err != nil {
		return nil, err
	}
	address, err := script.Address(testNetwork)
	if err != nil {
		return nil, err
	}

	invoice, err := encodeInvoice(hash, req.InvoiceAmount)
	if err != nil {
		return nil, err
	}

	id := s.register(&serviceSwap{script: script})
	return &boltz.CreateReverseResponse{
		Id:                 id,
		Invoice:            invoice,
		SwapTree:           script.SwapTree(),
		LockupAddress:      address,
		RefundPublicKey:    hex.EncodeToString(s.key.PubKey().SerializeCompressed()),
		TimeoutBlockHeight: script.TimeoutBlockHeight,
		OnchainAmount:      req.InvoiceAmount - 500,
	}, nil
}

// lockup finds the funding output of sw on the fake chain.
func (s *fakeService) lockup(sw *serviceSwap) (*wire.TxOut, wire.OutPoint, error) {
	address, err := sw.script.Address(testNetwork)
	if err != nil {
		return nil, wire.OutPoint{}, err
	}
	utxos, _ := s.chain.ListUnspent(context.Background(), address)
	if len(utxos) == 0 {
		return nil, wire.OutPoint{}, fmt.Errorf("no lockup for %s", address)
	}
	pkScript, err := sw.script.PkScript()
	if err != nil {
		return nil, wire.OutPoint{}, err
	}
	hash, err := chainhash.NewHashFromStr(utxos[0].Txid)
	if err != nil {
		return nil, wire.OutPoint{}, err
	}
	return &wire.TxOut{Value: int64(utxos[0].Amount), PkScript: pkScript},
		wire.OutPoint{Hash: *hash, Index: utxos[0].Vout}, nil
}

func (s *fakeService) partialSign(
	sw *serviceSwap, msg [32]byte, theirNonceHex string,
) (*boltz.PartialSignature, error) {
	theirNonce, err := ParsePubNonce(theirNonceHex)
	if err != nil {
		return nil, err
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.key.PubKey()))
	if err != nil {
		return nil, err
	}
	combined, err := musig2.AggregateNonces(
		[][musig2.PubNonceSize]byte{nonces.PubNonce, theirNonce},
	)
	if err != nil {
		return nil, err
	}
	ps, err := musig2.Sign(
		nonces.SecNonce, s.key, combined, sw.script.Keys(), msg,
		musig2.WithTaprootSignTweak(sw.script.MerkleRoot()),
	)
	if err != nil {
		return nil, err
	}

	partial := SerializePartialSignature(ps)
	if s.badPartial {
		partial = SerializePartialSignature(&musig2.PartialSignature{S: new(btcec.ModNScalar).SetInt(7)})
	}
	return &boltz.PartialSignature{
		PubNonce:         SerializePubNonce(nonces.PubNonce),
		PartialSignature: partial,
	}, nil
}

func (s *fakeService) signSpend(
	sw *serviceSwap, txHex, theirNonce string,
) (*boltz.PartialSignature, error) {
	tx, err := deserializeTransaction(txHex)
	if err != nil {
		return nil, err
	}
	prevOut, outpoint, err := s.lockup(sw)
	if err != nil {
		return nil, err
	}
	if tx.TxIn[0].PreviousOutPoint != outpoint {
		return nil, fmt.Errorf("transaction does not spend the lockup")
	}
	msg, err := TaprootMessage(tx, 0, NewPrevOutputFetcher(prevOut, outpoint))
	if err != nil {
		return nil, err
	}
	return s.partialSign(sw, msg, theirNonce)
}

func (s *fakeService) GetSubmarineClaimDetails(
	_ context.Context, swapId string,
) (*boltz.SubmarineClaimDetails, error) {
	sw, err := s.lookup(swapId)
	if err != nil {
		return nil, err
	}
	if sw.preimage == nil {
		return nil, fmt.Errorf("invoice not paid")
	}
	prevOut, outpoint, err := s.lockup(sw)
	if err != nil {
		return nil, err
	}

	servicePkScript, err := txscript.PayToTaprootScript(
		txscript.ComputeTaprootKeyNoScript(s.key.PubKey()),
	)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(&wire.TxOut{Value: prevOut.Value - 500, PkScript: servicePkScript})

	msg, err := TaprootMessage(tx, 0, NewPrevOutputFetcher(prevOut, outpoint))
	if err != nil {
		return nil, err
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.key.PubKey()))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sw.claimNonces = nonces
	sw.claimMsg = msg
	s.mu.Unlock()

	preimage := sw.preimage[:]
	if s.wrongPreimage {
		other := make([]byte, 32)
		// nolint:all
		rand.Read(other)
		preimage = other
	}

	return &boltz.SubmarineClaimDetails{
		Preimage:        hex.EncodeToString(preimage),
		PubNonce:        SerializePubNonce(nonces.PubNonce),
		PublicKey:       hex.EncodeToString(s.key.PubKey().SerializeCompressed()),
		TransactionHash: hex.EncodeToString(msg[:]),
	}, nil
}

// PostSubmarineClaimSignature completes the service's claim and checks the
// aggregate against the lockup output key.
func (s *fakeService) PostSubmarineClaimSignature(
	_ context.Context, swapId string, sig boltz.PartialSignature,
) error {
	sw, err := s.lookup(swapId)
	if err != nil {
		return err
	}

	s.mu.Lock()
	nonces, msg := sw.claimNonces, sw.claimMsg
	sw.claimNonces = nil
	s.mu.Unlock()
	if nonces == nil {
		return fmt.Errorf("no claim in progress")
	}

	theirNonce, err := ParsePubNonce(sig.PubNonce)
	if err != nil {
		return err
	}
	theirs, err := ParsePartialSignature(sig.PartialSignature)
	if err != nil {
		return err
	}
	combined, err := musig2.AggregateNonces(
		[][musig2.PubNonceSize]byte{nonces.PubNonce, theirNonce},
	)
	if err != nil {
		return err
	}

	keys := sw.script.Keys()
	root := sw.script.MerkleRoot()
	if !theirs.Verify(
		theirNonce, combined, keys, sw.script.OurKey(), msg,
		musig2.WithTaprootSignTweak(root),
	) {
		return fmt.Errorf("invalid partial signature")
	}

	ours, err := musig2.Sign(
		nonces.SecNonce, s.key, combined, keys, msg, musig2.WithTaprootSignTweak(root),
	)
	if err != nil {
		return err
	}
	final := musig2.CombineSigs(
		ours.R, []*musig2.PartialSignature{ours, theirs},
		musig2.WithTaprootTweakedCombine(msg, keys, root, false),
	)
	outputKey, err := sw.script.OutputKey()
	if err != nil {
		return err
	}
	if err := VerifyFinalSig(msg, final, outputKey); err != nil {
		return err
	}

	s.mu.Lock()
	s.cosigned++
	s.mu.Unlock()
	return nil
}

func (s *fakeService) RefundSubmarine(
	_ context.Context, swapId string, req boltz.SubmarineRefundRequest,
) (*boltz.PartialSignature, error) {
	if s.refuseCooperation {
		return nil, s.refusal()
	}
	sw, err := s.lookup(swapId)
	if err != nil {
		return nil, err
	}
	return s.signSpend(sw, req.Transaction, req.PubNonce)
}

func (s *fakeService) ClaimReverse(
	_ context.Context, swapId string, req boltz.ReverseClaimRequest,
) (*boltz.PartialSignature, error) {
	if s.refuseCooperation {
		return nil, s.refusal()
	}
	sw, err := s.lookup(swapId)
	if err != nil {
		return nil, err
	}
	preimage, err := hex.DecodeString(req.Preimage)
	if err != nil {
		return nil, err
	}
	if _, err := VerifyPreimage(preimage, sw.script.PaymentHash); err != nil {
		return nil, err
	}
	return s.signSpend(sw, req.Transaction, req.PubNonce)
}

func (s *fakeService) BroadcastTransaction(
	ctx context.Context, _ boltz.Currency, txHex string,
) (string, error) {
	s.mu.Lock()
	s.relayed++
	s.mu.Unlock()
	return s.chain.Broadcast(ctx, txHex)
}

func (s *fakeService) GetReverseBip21(
	_ context.Context, _ string,
) (*boltz.Bip21Response, error) {
	if s.bip21 == nil {
		return nil, &boltz.HTTPError{StatusCode: http.StatusNotFound, Body: "no bip21"}
	}
	return s.bip21, nil
}

func (s *fakeService) GetSwapStatus(
	_ context.Context, swapId string,
) (*boltz.SwapStatusResponse, error) {
	if _, err := s.lookup(swapId); err != nil {
		return nil, err
	}
	return &boltz.SwapStatusResponse{Status: boltz.SwapCreated.String()}, nil
}

// fakeStream replays the statuses pushed for a swap id and keeps the channel
// open until the subscriber goes away.
type fakeStream struct {
	mu      sync.Mutex
	pending map[string][]boltz.SwapUpdate
	subs    int
}

func newFakeStream() *fakeStream {
	return &fakeStream{pending: make(map[string][]boltz.SwapUpdate)}
}

func (s *fakeStream) push(swapId string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range statuses {
		s.pending[swapId] = append(s.pending[swapId], boltz.SwapUpdate{Id: swapId, Status: status})
	}
}

// pushUpdate queues updates carrying more than a status, e.g. a transaction.
func (s *fakeStream) pushUpdate(updates ...boltz.SwapUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		s.pending[u.Id] = append(s.pending[u.Id], u)
	}
}

func (s *fakeStream) Subscribe(ctx context.Context, swapId string) (<-chan boltz.SwapUpdate, error) {
	s.mu.Lock()
	pending := s.pending[swapId]
	delete(s.pending, swapId)
	s.subs++
	s.mu.Unlock()

	ch := make(chan boltz.SwapUpdate, len(pending))
	for _, u := range pending {
		ch <- u
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fakeFunder struct {
	chain *fakeChain
	calls int
}

func (f *fakeFunder) Fund(_ context.Context, address string, amount uint64) (string, error) {
	f.calls++
	return f.chain.fund(address, amount).Txid, nil
}

type fakeScheduler struct {
	mu     sync.Mutex
	height uint32
	refund func()
}

func (s *fakeScheduler) ScheduleRefundAtHeight(target uint32, refund func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = target
	s.refund = refund
	return nil
}
