package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"paygate-engine/pkg/errutil"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// systemTransferIndex is the instruction discriminator for a system program
// lamport transfer.
const systemTransferIndex uint32 = 2

// UnsignedTransfer is the payment description handed back to a caller: a
// base64 transaction carrying a lamport transfer to the treasury plus a memo
// holding the run reference. The caller signs and broadcasts it themselves.
type UnsignedTransfer struct {
	TransactionBase64 string `json:"transaction"`
	Recipient         string `json:"recipient"`
	Lamports          uint64 `json:"lamports"`
	Reference         string `json:"reference"`
	Blockhash         string `json:"blockhash"`
}

// TransferOutcome is the parsed on-chain result of a transfer signature.
type TransferOutcome struct {
	Found     bool
	Confirmed bool
	// Failed reports an on-chain execution error; the transaction landed but
	// moved no funds.
	Failed    bool
	Slot      uint64
	Payer     string
	Recipient string
	Lamports  uint64
	Reference string
}

// Client is the ledger collaborator: it builds unsigned transfers, reads
// transaction outcomes, and executes custody-signed transfers and swaps. All
// methods bound their RPC calls with the configured timeout.
type Client interface {
	BuildTransfer(ctx context.Context, sender string, lamports uint64, reference string) (*UnsignedTransfer, error)
	GetTransferOutcome(ctx context.Context, signature string) (*TransferOutcome, error)
	Pay(ctx context.Context, recipient string, lamports uint64, reference string) (string, error)
	SignTransaction(ctx context.Context, transactionBase64 string) (signedBase64, signature string, err error)
	Broadcast(ctx context.Context, signedBase64 string) (string, error)
	TreasuryAddress() string
	CustodyAddress() string
}

type rpcClient struct {
	rpc      *rpc.Client
	treasury solana.PublicKey
	custody  solana.PrivateKey
	timeout  time.Duration
}

type Options struct {
	RPCURL          string
	TreasuryAddress string
	// CustodyKey is the base58-encoded private key funding payouts and swap
	// fees. Empty is allowed for API-only processes that never pay out.
	CustodyKey     string
	RequestTimeout time.Duration
}

func NewClient(opts Options) (Client, error) {
	treasury, err := solana.PublicKeyFromBase58(opts.TreasuryAddress)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid treasury address", err)
	}

	var custody solana.PrivateKey
	if opts.CustodyKey != "" {
		custody, err = solana.PrivateKeyFromBase58(opts.CustodyKey)
		if err != nil {
			return nil, errutil.ValidationFailed("invalid custody key", err)
		}
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &rpcClient{
		rpc:      rpc.New(opts.RPCURL),
		treasury: treasury,
		custody:  custody,
		timeout:  timeout,
	}, nil
}

func (c *rpcClient) TreasuryAddress() string {
	return c.treasury.String()
}

// BuildTransfer assembles an unsigned lamport transfer from sender to the
// treasury with the run reference as memo. The sender is the fee payer; the
// engine never signs this transaction.
func (c *rpcClient) BuildTransfer(ctx context.Context, sender string, lamports uint64, reference string) (*UnsignedTransfer, error) {
	senderKey, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid sender address", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, errutil.Unavailable("failed to fetch blockhash", err)
	}

	transferIx := system.NewTransferInstruction(lamports, senderKey, c.treasury).Build()
	memoIx := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(senderKey, false, true)},
		[]byte(reference),
	)

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(transferIx).
		AddInstruction(memoIx).
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(senderKey).
		Build()
	if err != nil {
		return nil, errutil.Internal("failed to build transfer", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, errutil.Internal("failed to encode transfer", err)
	}

	return &UnsignedTransfer{
		TransactionBase64: base64.StdEncoding.EncodeToString(raw),
		Recipient:         c.treasury.String(),
		Lamports:          lamports,
		Reference:         reference,
		Blockhash:         latest.Value.Blockhash.String(),
	}, nil
}

// GetTransferOutcome fetches a confirmed transaction and parses the first
// system transfer and memo out of it. Found=false means the signature is not
// (yet) visible on chain; the caller decides whether that is fatal.
func (c *rpcClient) GetTransferOutcome(ctx context.Context, signature string) (*TransferOutcome, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid transaction signature", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if err == rpc.ErrNotFound {
			return &TransferOutcome{}, nil
		}
		return nil, errutil.Unavailable("failed to fetch transaction", err)
	}
	if result == nil {
		return &TransferOutcome{}, nil
	}

	outcome := &TransferOutcome{
		Found:     true,
		Confirmed: result.Meta != nil && result.Meta.Err == nil,
		Failed:    result.Meta != nil && result.Meta.Err != nil,
		Slot:      result.Slot,
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, errutil.Internal("failed to decode transaction", err)
	}
	if err := parseTransfer(tx, outcome); err != nil {
		return nil, err
	}

	return outcome, nil
}

func parseTransfer(tx *solana.Transaction, outcome *TransferOutcome) error {
	msg := &tx.Message
	for _, ix := range msg.Instructions {
		program, err := msg.Program(ix.ProgramIDIndex)
		if err != nil {
			continue
		}

		switch {
		case program.Equals(solana.SystemProgramID):
			// Layout: u32 LE instruction index, u64 LE lamports.
			if len(ix.Data) < 12 || binary.LittleEndian.Uint32(ix.Data[:4]) != systemTransferIndex {
				continue
			}
			if len(ix.Accounts) < 2 {
				continue
			}
			fromIdx, toIdx := ix.Accounts[0], ix.Accounts[1]
			if int(fromIdx) >= len(msg.AccountKeys) || int(toIdx) >= len(msg.AccountKeys) {
				return errutil.Internal("transfer account index out of range", nil)
			}
			outcome.Payer = msg.AccountKeys[fromIdx].String()
			outcome.Recipient = msg.AccountKeys[toIdx].String()
			outcome.Lamports = binary.LittleEndian.Uint64(ix.Data[4:12])

		case program.Equals(solana.MemoProgramID):
			outcome.Reference = string(ix.Data)
		}
	}
	return nil
}

// Pay builds, custody-signs, and broadcasts a lamport transfer, returning the
// transaction signature. Used for winner payouts.
func (c *rpcClient) Pay(ctx context.Context, recipient string, lamports uint64, reference string) (string, error) {
	if c.custody == nil {
		return "", errutil.Internal("custody key not configured", nil)
	}

	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", errutil.ValidationFailed("invalid recipient address", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", errutil.Unavailable("failed to fetch blockhash", err)
	}

	custodyPub := c.custody.PublicKey()
	transferIx := system.NewTransferInstruction(lamports, custodyPub, to).Build()
	memoIx := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(custodyPub, false, true)},
		[]byte(reference),
	)

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(transferIx).
		AddInstruction(memoIx).
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(custodyPub).
		Build()
	if err != nil {
		return "", errutil.Internal("failed to build payout", err)
	}

	if err := c.sign(tx); err != nil {
		return "", err
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", errutil.Unavailable("failed to broadcast payout", err)
	}

	return sig.String(), nil
}

func (c *rpcClient) CustodyAddress() string {
	if c.custody == nil {
		return ""
	}
	return c.custody.PublicKey().String()
}

// SignTransaction custody-signs a pre-built base64 transaction (a swap
// returned by the aggregator) without broadcasting it. The signature is
// returned separately so callers can persist it before broadcast and later
// re-check the outcome idempotently.
func (c *rpcClient) SignTransaction(ctx context.Context, transactionBase64 string) (string, string, error) {
	if c.custody == nil {
		return "", "", errutil.Internal("custody key not configured", nil)
	}

	raw, err := base64.StdEncoding.DecodeString(transactionBase64)
	if err != nil {
		return "", "", errutil.ValidationFailed("invalid transaction encoding", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", "", errutil.ValidationFailed("failed to decode transaction", err)
	}

	if err := c.sign(tx); err != nil {
		return "", "", err
	}
	if len(tx.Signatures) == 0 {
		return "", "", errutil.Internal("signed transaction carries no signature", nil)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", "", errutil.Internal("failed to encode signed transaction", err)
	}

	return base64.StdEncoding.EncodeToString(signed), tx.Signatures[0].String(), nil
}

// Broadcast submits a signed base64 transaction and returns its signature.
func (c *rpcClient) Broadcast(ctx context.Context, signedBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signedBase64)
	if err != nil {
		return "", errutil.ValidationFailed("invalid transaction encoding", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", errutil.ValidationFailed("failed to decode transaction", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", errutil.Unavailable("failed to broadcast transaction", err)
	}

	return sig.String(), nil
}

func (c *rpcClient) sign(tx *solana.Transaction) error {
	custodyPub := c.custody.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(custodyPub) {
			return &c.custody
		}
		return nil
	})
	if err != nil {
		return errutil.Internal(fmt.Sprintf("failed to sign with custody key %s", custodyPub), err)
	}
	return nil
}
