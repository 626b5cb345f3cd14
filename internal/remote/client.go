// Package remote talks to an auction site over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/domain"
)

var ErrNotFound = errors.New("auction not found on server")

// Bidder places a bid by some means other than the site API.
type Bidder interface {
	Bid(ctx context.Context, identifier string, amount domain.Money, quantity int) error
}

type Options struct {
	Name    string
	BaseURL string
	UserID  string
	Timeout time.Duration
	// Bidder, when set, replaces the POST /auctions/{id}/bids call.
	Bidder Bidder
}

// Client implements auction.Server against a JSON auction API.
type Client struct {
	name   string
	base   string
	user   string
	http   *http.Client
	bidder Bidder
	now    func() time.Time

	mu    sync.Mutex
	delta time.Duration
}

func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Name == "" {
		o.Name = "default"
	}
	return &Client{
		name:   o.Name,
		base:   strings.TrimRight(o.BaseURL, "/"),
		user:   o.UserID,
		http:   &http.Client{Timeout: o.Timeout},
		bidder: o.Bidder,
		now:    time.Now,
	}
}

func (c *Client) Name() string   { return c.name }
func (c *Client) UserID() string { return c.user }

// TimeDelta is the server clock minus the local clock, as last observed
// from a response Date header.
func (c *Client) TimeDelta() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delta
}

type moneyJSON struct {
	Currency string `json:"currency"`
	Price    string `json:"price"`
}

type auctionJSON struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	End        time.Time `json:"end"`
	CurrentBid moneyJSON `json:"current_bid"`
	HighBidder string    `json:"high_bidder"`
	ReserveMet bool      `json:"reserve_met"`
	Shipping   moneyJSON `json:"shipping"`
	BuyNow     moneyJSON `json:"buy_now"`
}

type bidJSON struct {
	Currency string `json:"currency"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
}

func (c *Client) auctionURL(identifier string, rest ...string) string {
	parts := append([]string{c.base, "auctions", url.PathEscape(identifier)}, rest...)
	return strings.Join(parts, "/")
}

// Reload fetches the current state of an auction.
func (c *Client) Reload(ctx context.Context, identifier string) (domain.AuctionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.auctionURL(identifier), nil)
	if err != nil {
		return domain.AuctionInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AuctionInfo{}, fmt.Errorf("reload %s: %w", identifier, err)
	}
	defer resp.Body.Close()
	c.observeDate(resp.Header.Get("Date"))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AuctionInfo{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.AuctionInfo{}, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return domain.AuctionInfo{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var a auctionJSON
	if err := json.Unmarshal(body, &a); err != nil {
		return domain.AuctionInfo{}, fmt.Errorf("invalid auction payload: %w", err)
	}
	cur, err := domain.ParseMoney(a.CurrentBid.Currency, a.CurrentBid.Price)
	if err != nil {
		return domain.AuctionInfo{}, err
	}
	ship, err := domain.ParseMoney(a.Shipping.Currency, a.Shipping.Price)
	if err != nil {
		return domain.AuctionInfo{}, err
	}
	buyNow, err := domain.ParseMoney(a.BuyNow.Currency, a.BuyNow.Price)
	if err != nil {
		return domain.AuctionInfo{}, err
	}
	if a.ID == "" {
		a.ID = identifier
	}
	return domain.AuctionInfo{
		Identifier: a.ID,
		Title:      a.Title,
		End:        a.End,
		CurrentBid: cur,
		HighBidder: a.HighBidder,
		ReserveMet: a.ReserveMet,
		Shipping:   ship,
		BuyNow:     buyNow,
	}, nil
}

// Bid submits a bid, through the configured Bidder if there is one.
func (c *Client) Bid(ctx context.Context, identifier string, amount domain.Money, quantity int) error {
	if c.bidder != nil {
		return c.bidder.Bid(ctx, identifier, amount, quantity)
	}
	payload, err := json.Marshal(bidJSON{Currency: amount.Currency, Price: amount.Price(), Quantity: quantity})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.auctionURL(identifier, "bids"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bid %s: %w", identifier, err)
	}
	defer resp.Body.Close()
	c.observeDate(resp.Header.Get("Date"))

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) observeDate(header string) {
	if header == "" {
		return
	}
	serverNow, err := http.ParseTime(header)
	if err != nil {
		log.Debug().Str("date", header).Msg("unparseable server date")
		return
	}
	d := serverNow.Sub(c.now()).Truncate(time.Second)
	c.mu.Lock()
	c.delta = d
	c.mu.Unlock()
}
