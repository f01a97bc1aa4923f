package chain

import (
	"context"
	"encoding/json"
	"strconv"
)

// TokenBalance is one pre/post token balance entry from transaction meta.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       uint64
}

// ParsedTx is the subset of a confirmed transaction the engine inspects when
// mirroring external swaps.
type ParsedTx struct {
	Signature         string
	Slot              uint64
	Failed            bool
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// FeePayer returns the transaction's fee payer address.
func (t *ParsedTx) FeePayer() string {
	if len(t.AccountKeys) == 0 {
		return ""
	}
	return t.AccountKeys[0]
}

// GetTransaction fetches a confirmed transaction. Returns nil without error
// when the transaction is not yet available.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*ParsedTx, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}

	var result json.RawMessage
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	if string(result) == "null" || len(result) == 0 {
		return nil, nil
	}

	var raw struct {
		Slot        uint64 `json:"slot"`
		Transaction struct {
			Message struct {
				AccountKeys []struct {
					Pubkey string `json:"pubkey"`
				} `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
		Meta struct {
			Err               interface{}       `json:"err"`
			PreBalances       []uint64          `json:"preBalances"`
			PostBalances      []uint64          `json:"postBalances"`
			PreTokenBalances  []rawTokenBalance `json:"preTokenBalances"`
			PostTokenBalances []rawTokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, NewError(KindTransient, "parse transaction", err)
	}

	tx := &ParsedTx{
		Signature:    signature,
		Slot:         raw.Slot,
		Failed:       raw.Meta.Err != nil,
		PreBalances:  raw.Meta.PreBalances,
		PostBalances: raw.Meta.PostBalances,
	}
	for _, k := range raw.Transaction.Message.AccountKeys {
		tx.AccountKeys = append(tx.AccountKeys, k.Pubkey)
	}
	for _, b := range raw.Meta.PreTokenBalances {
		tx.PreTokenBalances = append(tx.PreTokenBalances, b.toTokenBalance())
	}
	for _, b := range raw.Meta.PostTokenBalances {
		tx.PostTokenBalances = append(tx.PostTokenBalances, b.toTokenBalance())
	}
	return tx, nil
}

type rawTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

func (b rawTokenBalance) toTokenBalance() TokenBalance {
	amount, _ := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
	return TokenBalance{
		AccountIndex: b.AccountIndex,
		Mint:         b.Mint,
		Owner:        b.Owner,
		Amount:       amount,
	}
}
