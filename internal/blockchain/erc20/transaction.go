// Package erc20 decodes ERC20 approval calls from raw transactions and
// classifies spender addresses as externally-owned accounts or contracts.
package erc20

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidTransaction is returned when a raw transaction fails validation.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrDecode is returned when approval call data cannot be decoded.
	ErrDecode = errors.New("approval decode failed")
)

// calldataPattern matches 0x-prefixed hex call data, including the empty "0x".
var calldataPattern = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)

// RawTransaction is a transaction as delivered by a source.
type RawTransaction struct {
	Hash        string `json:"hash" validate:"required"`
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to,omitempty" validate:"omitempty,eth_addr"`
	Input       string `json:"input" validate:"calldata"`
	BlockNumber uint64 `json:"block_number"`
	Chain       string `json:"chain,omitempty"`
}

// Validator checks raw transactions before decoding.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the calldata rule registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("calldata", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || calldataPattern.MatchString(s)
	})

	return &Validator{validate: v}
}

// Validate returns ErrInvalidTransaction wrapping the first failed rule.
func (v *Validator) Validate(tx *RawTransaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if err := v.validate.Struct(tx); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidTransaction, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return nil
}
