package solanarpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"vault-settlement-system/ledger"
)

const (
	systemProgramID     = "11111111111111111111111111111111"
	tokenProgramID      = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	token2022ProgramID  = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	associatedProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
)

// rpcTransaction is the subset of a jsonParsed getTransaction result we read.
type rpcTransaction struct {
	Slot uint64   `json:"slot"`
	Meta *rpcMeta `json:"meta"`

	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			Instructions []rpcInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type rpcMeta struct {
	Err               json.RawMessage `json:"err"`
	InnerInstructions []struct {
		Index        int              `json:"index"`
		Instructions []rpcInstruction `json:"instructions"`
	} `json:"innerInstructions"`
}

type rpcInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
	Data      string          `json:"data"`
}

type parsedInstruction struct {
	Type string     `json:"type"`
	Info parsedInfo `json:"info"`
}

type parsedInfo struct {
	Source            string          `json:"source"`
	Destination       string          `json:"destination"`
	Authority         string          `json:"authority"`
	MultisigAuthority string          `json:"multisigAuthority"`
	Mint              string          `json:"mint"`
	Wallet            string          `json:"wallet"`
	Account           string          `json:"account"`
	Lamports          json.Number     `json:"lamports"`
	Amount            json.Number     `json:"amount"`
	TokenAmount       *rpcTokenAmount `json:"tokenAmount"`
}

type rpcTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

func decodeTransaction(raw *rpcTransaction) (*ledger.Transaction, error) {
	tx := &ledger.Transaction{Slot: raw.Slot}
	if len(raw.Transaction.Signatures) > 0 {
		tx.Signature = raw.Transaction.Signatures[0]
	}

	inner := make(map[int][]rpcInstruction)
	if raw.Meta != nil {
		if len(raw.Meta.Err) > 0 && string(raw.Meta.Err) != "null" {
			tx.Failed = true
			tx.FailureInfo = string(raw.Meta.Err)
		}
		for _, group := range raw.Meta.InnerInstructions {
			inner[group.Index] = append(inner[group.Index], group.Instructions...)
		}
	}

	for i, ix := range raw.Transaction.Message.Instructions {
		decoded, err := decodeInstruction(ix)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		tx.Instructions = append(tx.Instructions, decoded)
		for j, nested := range inner[i] {
			decoded, err := decodeInstruction(nested)
			if err != nil {
				return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
			}
			tx.Instructions = append(tx.Instructions, decoded)
		}
	}
	return tx, nil
}

func decodeInstruction(ix rpcInstruction) (ledger.Instruction, error) {
	other := ledger.Other{Program: ix.ProgramID, Raw: ix.Data}

	// Unparsed instructions carry base58 data, and memo parses to a bare string.
	var parsed parsedInstruction
	if len(ix.Parsed) == 0 || json.Unmarshal(ix.Parsed, &parsed) != nil {
		if len(ix.Parsed) > 0 {
			other.Raw = string(ix.Parsed)
		}
		return other, nil
	}
	other.Kind = parsed.Type
	info := parsed.Info

	switch ix.ProgramID {
	case systemProgramID:
		if parsed.Type != "transfer" {
			return other, nil
		}
		lamports, err := parseUint(info.Lamports.String())
		if err != nil {
			return nil, fmt.Errorf("system transfer lamports: %w", err)
		}
		return ledger.NativeTransfer{
			Source:      info.Source,
			Destination: info.Destination,
			Amount:      lamports,
		}, nil

	case tokenProgramID, token2022ProgramID:
		if parsed.Type != "transfer" && parsed.Type != "transferChecked" {
			return other, nil
		}
		out := ledger.TokenTransfer{
			Source:      info.Source,
			Destination: info.Destination,
			Authority:   info.Authority,
			Mint:        info.Mint,
		}
		if out.Authority == "" {
			out.Authority = info.MultisigAuthority
		}
		amount := info.Amount.String()
		if info.TokenAmount != nil {
			amount = info.TokenAmount.Amount
			out.Decimals = info.TokenAmount.Decimals
		}
		units, err := parseUint(amount)
		if err != nil {
			return nil, fmt.Errorf("token %s amount: %w", parsed.Type, err)
		}
		out.Amount = units
		return out, nil

	case associatedProgramID:
		if parsed.Type != "create" && parsed.Type != "createIdempotent" {
			return other, nil
		}
		return ledger.CreateSubAccount{
			Payer: info.Source,
			Owner: info.Wallet,
			Mint:  info.Mint,
		}, nil
	}
	return other, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing amount")
	}
	return strconv.ParseUint(s, 10, 64)
}
