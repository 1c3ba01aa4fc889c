package onchain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Price feed account layout, 36 bytes:
//
//	magic u32 | version u32 | exponent i32 | price i64 | confidence u64 | publishTime i64
const (
	PriceFeedSize  = 36
	PriceFeedMagic = 0xa1b2c3d4
)

type PriceFeedAccount struct {
	Magic       uint32
	Version     uint32
	Exponent    int32
	Price       int64
	Confidence  uint64
	PublishTime int64
}

// PriceFeed is a decoded price: an exact decimal and the time it was published.
type PriceFeed struct {
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime time.Time
}

func DecodePrice(data []byte) (*PriceFeed, error) {
	var p PriceFeedAccount
	if err := decode("price feed", data, PriceFeedSize, &p); err != nil {
		return nil, err
	}
	if p.Magic != PriceFeedMagic {
		return nil, &DecodeError{Kind: "price feed", Err: fmt.Errorf("%w: magic %#x", ErrLayoutMismatch, p.Magic)}
	}
	return &PriceFeed{
		Price:       decimal.New(p.Price, p.Exponent),
		Confidence:  decimal.NewFromBigInt(new(big.Int).SetUint64(p.Confidence), p.Exponent),
		PublishTime: time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}
