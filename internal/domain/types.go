package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Money is an amount in a named currency. The zero value means "no value".
type Money struct {
	Currency string
	Amount   decimal.Decimal
}

func NewMoney(currency string, amount decimal.Decimal) Money {
	return Money{Currency: strings.ToUpper(strings.TrimSpace(currency)), Amount: amount}
}

// ParseMoney builds a Money from a currency name and a price string such as "12.50".
func ParseMoney(currency, price string) (Money, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return Money{}, nil
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return Money{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	return NewMoney(currency, d), nil
}

// ParseFullMoney parses the "USD 12.50" form produced by Money.String.
func ParseFullMoney(s string) (Money, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return Money{}, nil
	case 1:
		return ParseMoney("", fields[0])
	case 2:
		return ParseMoney(fields[0], fields[1])
	default:
		return Money{}, fmt.Errorf("invalid money %q", s)
	}
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

// Price is the bare amount, as stored in record price attributes.
func (m Money) Price() string { return m.Amount.String() }

func (m Money) String() string {
	if m.Currency == "" {
		return m.Amount.StringFixed(2)
	}
	return m.Currency + " " + m.Amount.StringFixed(2)
}

// Bid is a bid that was placed, either manually or by a fired snipe.
type Bid struct {
	Amount   Money
	Quantity int
	When     time.Time // zero when unknown
}

// AuctionInfo is the parsed state of a remote auction page.
type AuctionInfo struct {
	Identifier string
	Title      string
	End        time.Time
	CurrentBid Money
	HighBidder string
	ReserveMet bool
	Shipping   Money
	BuyNow     Money
}
