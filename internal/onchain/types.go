package onchain

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fardream/go-bcs/bcs"
	"github.com/leafsii/lending-liquidator/internal/calc"
)

// Account layouts. Every field sits at a fixed offset, integers are little-endian and
// fixed arrays carry no length prefix, so the BCS codec reads them byte for byte.
// Program-owned accounts start with an 8-byte discriminator, sha256("account:<Name>")[:8].

const (
	MaxReserves             = 32
	MaxObligationPositions  = 16
	MarketReserveInfoSize   = 384
	MarketReserveInfoListSz = MaxReserves * MarketReserveInfoSize // 12288

	MarketSize         = 168 + MarketReserveInfoListSz
	ReserveSize        = 512
	ObligationPosSize  = 112
	ObligationSize     = 80 + 2*MaxObligationPositions*ObligationPosSize
	MintSize           = 82
	TokenAccountSize   = 165
	discriminatorBytes = 8
)

var (
	MarketDiscriminator     = discriminator("Market")
	ReserveDiscriminator    = discriminator("Reserve")
	ObligationDiscriminator = discriminator("Obligation")
)

func discriminator(name string) [discriminatorBytes]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [discriminatorBytes]byte
	copy(d[:], sum[:discriminatorBytes])
	return d
}

// MarketReserveInfo is the market's cached view of one reserve.
type MarketReserveInfo struct {
	Reserve                 Address
	DepositNoteExchangeRate uint64
	LoanNoteExchangeRate    uint64
	MinCollateralRatio      uint16
	LiquidationBonus        uint16
	Reserved                [332]byte
}

type MarketAccount struct {
	Discriminator  [discriminatorBytes]byte
	Version        uint32
	QuoteExponent  int32
	QuoteCurrency  [16]byte
	Owner          Address
	QuoteTokenMint Address
	Flags          uint64
	Reserved       [64]byte
	Reserves       [MaxReserves]MarketReserveInfo
}

// ActiveReserves returns the populated reserve slots in slot order.
func (m *MarketAccount) ActiveReserves() []MarketReserveInfo {
	out := make([]MarketReserveInfo, 0, MaxReserves)
	for _, r := range m.Reserves {
		if !r.Reserve.IsZero() {
			out = append(out, r)
		}
	}
	return out
}

type ReserveConfigLayout struct {
	UtilizationRate1             uint16
	UtilizationRate2             uint16
	BorrowRate0                  uint16
	BorrowRate1                  uint16
	BorrowRate2                  uint16
	BorrowRate3                  uint16
	MinCollateralRatio           uint16
	LiquidationPremium           uint16
	ManageFeeRate                uint16
	ManageFeeCollectionThreshold uint64
	LoanOriginationFee           uint16
	LiquidationSlippage          uint16
	LiquidationDexTradeMax       uint64
	Reserved                     [24]byte
}

type ReserveStateLayout struct {
	AccruedUntil    int64
	OutstandingDebt uint64
	UncollectedFees uint64
	Reserved        [40]byte
}

type ReserveAccount struct {
	Discriminator     [discriminatorBytes]byte
	Version           uint16
	Index             uint16
	Exponent          int32
	Market            Address
	PythOracleProduct Address
	PythOraclePrice   Address
	TokenMint         Address
	DepositNoteMint   Address
	LoanNoteMint      Address
	Vault             Address
	FeeNoteVault      Address
	DexMarket         Address
	Config            ReserveConfigLayout
	State             ReserveStateLayout
	Reserved          [82]byte
}

func (r *ReserveAccount) ReserveConfig() calc.ReserveConfig {
	c := r.Config
	return calc.ReserveConfig{
		UtilizationRate1:       c.UtilizationRate1,
		UtilizationRate2:       c.UtilizationRate2,
		BorrowRate0:            c.BorrowRate0,
		BorrowRate1:            c.BorrowRate1,
		BorrowRate2:            c.BorrowRate2,
		BorrowRate3:            c.BorrowRate3,
		MinCollateralRatio:     c.MinCollateralRatio,
		LiquidationPremium:     c.LiquidationPremium,
		ManageFeeRate:          c.ManageFeeRate,
		LoanOriginationFee:     c.LoanOriginationFee,
		LiquidationSlippage:    c.LiquidationSlippage,
		LiquidationDexTradeMax: c.LiquidationDexTradeMax,
	}
}

// Position side tags as stored in an obligation.
const (
	SideCollateral uint32 = 0
	SideLoan       uint32 = 1
)

type ObligationPositionLayout struct {
	Account      Address
	Amount       uint64
	Side         uint32
	ReserveIndex uint16
	Reserved     [66]byte
}

type ObligationAccount struct {
	Discriminator [discriminatorBytes]byte
	Version       uint32
	Reserved0     uint32
	Market        Address
	Owner         Address
	Collateral    [MaxObligationPositions]ObligationPositionLayout
	Loans         [MaxObligationPositions]ObligationPositionLayout
}

// Position is a populated obligation slot.
type Position struct {
	Account      Address
	ReserveIndex int
	Notes        uint64
}

// Positions returns the populated collateral and loan slots in slot order. A slot
// whose side tag disagrees with the list holding it is a layout error.
func (o *ObligationAccount) Positions() (collateral, loans []Position, err error) {
	collateral, err = positions(o.Collateral[:], SideCollateral)
	if err != nil {
		return nil, nil, err
	}
	loans, err = positions(o.Loans[:], SideLoan)
	if err != nil {
		return nil, nil, err
	}
	return collateral, loans, nil
}

func positions(slots []ObligationPositionLayout, side uint32) ([]Position, error) {
	var out []Position
	for i, p := range slots {
		if p.Account.IsZero() {
			continue
		}
		if p.Side != side {
			return nil, &DecodeError{Kind: "obligation", Err: fmt.Errorf("%w: slot %d has side %d, want %d", ErrLayoutMismatch, i, p.Side, side)}
		}
		if int(p.ReserveIndex) >= MaxReserves {
			return nil, &DecodeError{Kind: "obligation", Err: fmt.Errorf("%w: slot %d reserve index %d", ErrLayoutMismatch, i, p.ReserveIndex)}
		}
		out = append(out, Position{Account: p.Account, ReserveIndex: int(p.ReserveIndex), Notes: p.Amount})
	}
	return out, nil
}

// MintAccount is the token program's mint layout.
type MintAccount struct {
	MintAuthorityOption   uint32
	MintAuthority         Address
	Supply                uint64
	Decimals              uint8
	IsInitialized         bool
	FreezeAuthorityOption uint32
	FreezeAuthority       Address
}

// TokenAccount is the token program's token account layout.
type TokenAccount struct {
	Mint                 Address
	Owner                Address
	Amount               uint64
	DelegateOption       uint32
	Delegate             Address
	State                uint8
	IsNativeOption       uint32
	IsNative             uint64
	DelegatedAmount      uint64
	CloseAuthorityOption uint32
	CloseAuthority       Address
}

func DecodeMarket(data []byte) (*MarketAccount, error) {
	var m MarketAccount
	if err := decode("market", data, MarketSize, &m); err != nil {
		return nil, err
	}
	if err := checkDiscriminator("market", m.Discriminator, MarketDiscriminator); err != nil {
		return nil, err
	}
	return &m, nil
}

func DecodeReserve(data []byte) (*ReserveAccount, error) {
	var r ReserveAccount
	if err := decode("reserve", data, ReserveSize, &r); err != nil {
		return nil, err
	}
	if err := checkDiscriminator("reserve", r.Discriminator, ReserveDiscriminator); err != nil {
		return nil, err
	}
	return &r, nil
}

func DecodeObligation(data []byte) (*ObligationAccount, error) {
	var o ObligationAccount
	if err := decode("obligation", data, ObligationSize, &o); err != nil {
		return nil, err
	}
	if err := checkDiscriminator("obligation", o.Discriminator, ObligationDiscriminator); err != nil {
		return nil, err
	}
	return &o, nil
}

func DecodeMint(data []byte) (*MintAccount, error) {
	var m MintAccount
	if err := decode("mint", data, MintSize, &m); err != nil {
		return nil, err
	}
	if !m.IsInitialized {
		return nil, &DecodeError{Kind: "mint", Err: fmt.Errorf("%w: mint not initialized", ErrLayoutMismatch)}
	}
	return &m, nil
}

func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	var t TokenAccount
	if err := decode("token account", data, TokenAccountSize, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Decode reads a fixed-size layout into v. Exported for layouts defined outside this
// package, such as price feeds.
func Decode(kind string, data []byte, size int, v any) error {
	return decode(kind, data, size, v)
}

func decode(kind string, data []byte, size int, v any) error {
	if len(data) != size {
		return &DecodeError{Kind: kind, Err: fmt.Errorf("%w: %d bytes, want %d", ErrLayoutMismatch, len(data), size)}
	}
	n, err := bcs.Unmarshal(data, v)
	if err != nil {
		return &DecodeError{Kind: kind, Err: err}
	}
	if n != size {
		return &DecodeError{Kind: kind, Err: fmt.Errorf("%w: consumed %d of %d bytes", ErrLayoutMismatch, n, size)}
	}
	return nil
}

func checkDiscriminator(kind string, got, want [discriminatorBytes]byte) error {
	if !bytes.Equal(got[:], want[:]) {
		return &DecodeError{Kind: kind, Err: fmt.Errorf("%w: discriminator %x, want %x", ErrLayoutMismatch, got, want)}
	}
	return nil
}
