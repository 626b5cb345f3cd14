// Package record is the XML form of a stored auction.
//
// The fragment layout (bid, snipe, multisnipe, shipping, category, complete,
// invalid) is shared with existing save files and must not change shape.
package record

import (
	"encoding/xml"
	"errors"
	"fmt"
)

var ErrMissingID = errors.New("auction record has no id")

// Flag is a presence-only element such as <complete/>.
type Flag struct{}

type Auction struct {
	XMLName    xml.Name    `xml:"auction"`
	ID         string      `xml:"id,attr"`
	Info       *Info       `xml:"info,omitempty"`
	Bid        *Bid        `xml:"bid,omitempty"`
	Snipe      *Snipe      `xml:"snipe,omitempty"`
	MultiSnipe *MultiSnipe `xml:"multisnipe,omitempty"`
	Shipping   *Shipping   `xml:"shipping,omitempty"`
	Category   *Category   `xml:"category,omitempty"`
	Complete   *Flag       `xml:"complete,omitempty"`
	Invalid    *Flag       `xml:"invalid,omitempty"`
	Comment    string      `xml:"comment,omitempty"`
}

// Info caches the last parsed auction page. End is epoch milliseconds.
type Info struct {
	Title      string `xml:"title,omitempty"`
	End        int64  `xml:"end,omitempty"`
	Currency   string `xml:"currentbid>currency,omitempty"`
	Price      string `xml:"currentbid>price,omitempty"`
	HighBidder string `xml:"highbidder,omitempty"`
	ReserveMet bool   `xml:"reservemet,omitempty"`
	BuyNowCur  string `xml:"buynow>currency,omitempty"`
	BuyNow     string `xml:"buynow>price,omitempty"`
}

// Bid is the last bid placed. When is epoch milliseconds; absent means 0.
type Bid struct {
	Quantity int    `xml:"quantity,attr"`
	Currency string `xml:"currency,attr"`
	Price    string `xml:"price,attr"`
	When     int64  `xml:"when,attr,omitempty"`
}

// Snipe is an armed snipe. SecondsPrior holds the offset in milliseconds,
// -1 meaning the global default.
type Snipe struct {
	Quantity     int    `xml:"quantity,attr"`
	Currency     string `xml:"currency,attr"`
	Price        string `xml:"price,attr"`
	SecondsPrior int64  `xml:"secondsprior,attr"`
}

type MultiSnipe struct {
	SubtractShipping bool   `xml:"subtractshipping,attr"`
	Color            string `xml:"color,attr"`
	Default          string `xml:"default,attr"`
	ID               int64  `xml:"id,attr"`
}

// Shipping is the shipping cost; Overridden marks a user-entered value.
type Shipping struct {
	Currency   string `xml:"currency,attr"`
	Price      string `xml:"price,attr"`
	Overridden bool   `xml:"overridden,attr,omitempty"`
}

type Category struct {
	Sticky bool   `xml:"sticky,attr"`
	Name   string `xml:",chardata"`
}

func Marshal(a Auction) ([]byte, error) {
	if a.ID == "" {
		return nil, ErrMissingID
	}
	return xml.Marshal(a)
}

func Unmarshal(data []byte) (Auction, error) {
	var a Auction
	if err := xml.Unmarshal(data, &a); err != nil {
		return Auction{}, fmt.Errorf("decode auction record: %w", err)
	}
	if a.ID == "" {
		return Auction{}, ErrMissingID
	}
	return a, nil
}
