package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/pkg/types"
)

type gethHeader = gethtypes.Header

// rpcBlock is the subset of an eth_getBlockByNumber result the manager uses.
// Decoding into it instead of a full geth block keeps unknown transaction
// types from failing the whole fetch.
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	Miner        common.Address   `json:"miner"`
	GasLimit     hexutil.Uint64   `json:"gasLimit"`
	GasUsed      hexutil.Uint64   `json:"gasUsed"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Nonce        hexutil.Bytes    `json:"nonce"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
}

func (b *rpcBlock) normalize() types.Block {
	nonce := hexutil.Encode(b.Nonce)
	if len(b.Nonce) == 0 {
		nonce = "0x0000000000000000"
	}
	return types.Block{
		Number:           uint64(b.Number),
		Hash:             b.Hash.Hex(),
		Beneficiary:      b.Miner.Hex(),
		GasLimit:         uint64(b.GasLimit),
		GasUsed:          uint64(b.GasUsed),
		Time:             uint64(b.Timestamp),
		Nonce:            nonce,
		TransactionCount: len(b.Transactions),
	}
}

func (b *rpcBlock) transactions() []types.Transaction {
	out := make([]types.Transaction, 0, len(b.Transactions))
	for i, tx := range b.Transactions {
		t := types.Transaction{
			Hash:        tx.Hash.Hex(),
			From:        tx.From.Hex(),
			BlockNumber: uint64(b.Number),
			Index:       uint64(i),
		}
		if tx.BlockNumber != nil {
			t.BlockNumber = uint64(*tx.BlockNumber)
		}
		if tx.TransactionIndex != nil {
			t.Index = uint64(*tx.TransactionIndex)
		}
		out = append(out, t)
	}
	return out
}

func fetchBlock(ctx context.Context, client *ethclient.Client, number uint64) (*rpcBlock, error) {
	var raw json.RawMessage
	err := client.Client().CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err != nil {
		return nil, &RPCError{Op: "eth_getBlockByNumber", Err: err}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}

	var b rpcBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &RPCError{Op: "decode block", Err: err}
	}
	return &b, nil
}

// followHeads republishes every new head as a normalized block, re-fetched
// by number so that the transaction count is known.
func (s *Supervisor) followHeads(ctx context.Context, client *ethclient.Client, sub ethereum.Subscription, headers <-chan *gethHeader) {
	defer s.wg.Done()
	defer sub.Unsubscribe()

	observed := metrics.BlocksObserved.WithLabelValues(s.label)
	fetchErrors := metrics.BlockFetchErrors.WithLabelValues(s.label)

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-sub.Err():
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Head subscription ended")
				s.logs.Publish(types.NewLogLine(types.OriginManager, "head subscription ended: "+err.Error()))
			}
			return

		case h := <-headers:
			if h == nil || h.Number == nil {
				continue
			}
			fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			b, err := fetchBlock(fetchCtx, client, h.Number.Uint64())
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fetchErrors.Inc()
				s.logger.Warn().Err(err).Uint64("number", h.Number.Uint64()).Msg("Failed to fetch new head")
				continue
			}

			blk := b.normalize()
			s.lastBlock.Store(blk.Number)
			s.blocks.Publish(blk)
			observed.Inc()
			s.logger.Debug().Uint64("number", blk.Number).Int("txs", blk.TransactionCount).Msg("New block")
		}
	}
}

// BlockWithTransactions fetches a block and its transactions over the live
// connection.
func (s *Supervisor) BlockWithTransactions(ctx context.Context, number uint64) (types.BlockWithTransactions, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return types.BlockWithTransactions{}, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	b, err := fetchBlock(ctx, client, number)
	if err != nil {
		// A client closed by a concurrent stop surfaces as a generic rpc error.
		if errors.Is(err, ErrBlockNotFound) || s.Running() {
			return types.BlockWithTransactions{}, err
		}
		return types.BlockWithTransactions{}, ErrNotConnected
	}
	return types.BlockWithTransactions{Block: b.normalize(), Transactions: b.transactions()}, nil
}
