package erc20

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"approval-sentinel/internal/approvals"
)

// Function signatures of the decoded calls.
const (
	ApproveSignature           = "approve(address,uint256)"
	IncreaseAllowanceSignature = "increaseAllowance(address,uint256)"
)

const approvalABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"increaseAllowance","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// Decoder turns raw transactions into the detector's view.
type Decoder struct {
	abi       abi.ABI
	validator *Validator
}

// NewDecoder parses the approval ABI.
func NewDecoder() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(approvalABI))
	if err != nil {
		return nil, fmt.Errorf("parse approval abi: %w", err)
	}
	return &Decoder{abi: parsed, validator: NewValidator()}, nil
}

// MustNewDecoder is NewDecoder that panics on error.
func MustNewDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

// Decode validates raw and extracts its approval calls from the top-level
// call data. Other calls decode to a transaction without calls.
func (d *Decoder) Decode(raw *RawTransaction) (*approvals.Transaction, error) {
	if err := d.validator.Validate(raw); err != nil {
		return nil, err
	}

	tx := &approvals.Transaction{
		Hash:        strings.ToLower(raw.Hash),
		From:        strings.ToLower(raw.From),
		To:          strings.ToLower(raw.To),
		BlockNumber: raw.BlockNumber,
	}

	data, err := hexutil.Decode(orEmpty(raw.Input))
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrDecode, raw.Hash, err)
	}
	if len(data) < 4 {
		return tx, nil
	}

	method := d.methodFor(data[:4])
	if method == nil {
		return tx, nil
	}

	call, err := d.unpack(method, data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s %s: %v", ErrDecode, raw.Hash, method.Sig, err)
	}
	tx.Calls = append(tx.Calls, call)
	return tx, nil
}

func (d *Decoder) methodFor(selector []byte) *abi.Method {
	for _, name := range []string{approvals.FunctionApprove, approvals.FunctionIncreaseAllowance} {
		m := d.abi.Methods[name]
		if bytes.Equal(m.ID, selector) {
			return &m
		}
	}
	return nil
}

func (d *Decoder) unpack(method *abi.Method, args []byte) (approvals.ApprovalCall, error) {
	values, err := method.Inputs.Unpack(args)
	if err != nil {
		return approvals.ApprovalCall{}, err
	}
	if len(values) != 2 {
		return approvals.ApprovalCall{}, fmt.Errorf("expected 2 arguments, got %d", len(values))
	}
	spender, ok := values[0].(common.Address)
	if !ok {
		return approvals.ApprovalCall{}, fmt.Errorf("spender has type %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok || amount == nil {
		return approvals.ApprovalCall{}, fmt.Errorf("amount has type %T", values[1])
	}
	return approvals.ApprovalCall{
		Spender:  strings.ToLower(spender.Hex()),
		Amount:   amount,
		Function: method.RawName,
	}, nil
}

// Pack builds call data for an approval function. It is used by tooling and
// tests that need realistic inputs.
func (d *Decoder) Pack(function string, spender common.Address, amount *big.Int) (string, error) {
	data, err := d.abi.Pack(function, spender, amount)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", function, err)
	}
	return hexutil.Encode(data), nil
}

func orEmpty(input string) string {
	if input == "" {
		return "0x"
	}
	return input
}
