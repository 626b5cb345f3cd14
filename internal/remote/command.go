package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"snipewatch/internal/domain"
)

// CommandBidder runs an external program to place bids. The auction id,
// currency, price and quantity are appended to Args.
type CommandBidder struct {
	Command string
	Args    []string
}

// ParseCommand splits a configured command line on whitespace.
func ParseCommand(line string) (CommandBidder, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return CommandBidder{}, false
	}
	return CommandBidder{Command: fields[0], Args: fields[1:]}, true
}

func (b CommandBidder) Bid(ctx context.Context, identifier string, amount domain.Money, quantity int) error {
	if b.Command == "" {
		return fmt.Errorf("command is required")
	}
	args := append(append([]string{}, b.Args...), identifier, amount.Currency, amount.Price(), strconv.Itoa(quantity))
	cmd := exec.CommandContext(ctx, b.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("bid command error: %v; out=%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
