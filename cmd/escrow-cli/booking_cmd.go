package main

import (
	"fmt"
	"math/big"
	"strings"
)

func (c *cli) runBooking(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return c.bookingCreate(args[1:])
	case "verify":
		return c.bookingVerify(args[1:])
	case "release":
		return c.bookingByID("booking release", "escrow_releaseToPayee", args[1:])
	case "refund":
		return c.bookingByID("booking refund", "escrow_refundToPayer", args[1:])
	case "penalty":
		return c.bookingByID("booking penalty", "escrow_refundWithPenalty", args[1:])
	case "timeout":
		return c.bookingByID("booking timeout", "escrow_handleTimeout", args[1:])
	case "dispute":
		return c.bookingByID("booking dispute", "escrow_raiseDispute", args[1:])
	case "resolve":
		return c.bookingResolve(args[1:])
	case "get":
		return c.bookingGet(args[1:])
	case "list":
		return c.invoke("escrow_listBookings", nil, false)
	default:
		fmt.Fprintf(c.stderr, "Unknown booking subcommand: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
}

func (c *cli) bookingCreate(args []string) int {
	fs := c.flagSet("booking create")
	var id, payee, amount string
	fs.StringVar(&id, "id", "", "booking identifier")
	fs.StringVar(&payee, "payee", "", "payee bech32 identity")
	fs.StringVar(&amount, "amount", "", "amount to hold in escrow")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return c.fail("--id is required")
	}
	if strings.TrimSpace(payee) == "" {
		return c.fail("--payee is required")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || value.Sign() <= 0 {
		return c.fail("--amount must be a positive integer")
	}
	return c.invoke("escrow_createBooking", map[string]string{
		"id":     id,
		"payee":  payee,
		"amount": value.String(),
	}, true)
}

func (c *cli) bookingVerify(args []string) int {
	fs := c.flagSet("booking verify")
	var id string
	var passed bool
	fs.StringVar(&id, "id", "", "booking identifier")
	fs.BoolVar(&passed, "passed", false, "verification outcome")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return c.fail("--id is required")
	}
	return c.invoke("escrow_recordVerification", map[string]interface{}{
		"id":     id,
		"passed": passed,
	}, true)
}

func (c *cli) bookingResolve(args []string) int {
	fs := c.flagSet("booking resolve")
	var id, winner string
	fs.StringVar(&id, "id", "", "booking identifier")
	fs.StringVar(&winner, "winner", "", "payee or payer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return c.fail("--id is required")
	}
	var payeeWins bool
	switch strings.ToLower(strings.TrimSpace(winner)) {
	case "payee":
		payeeWins = true
	case "payer":
	default:
		return c.fail("--winner must be payee or payer")
	}
	return c.invoke("escrow_resolveDispute", map[string]interface{}{
		"id":        id,
		"payeeWins": payeeWins,
	}, true)
}

func (c *cli) bookingGet(args []string) int {
	fs := c.flagSet("booking get")
	var id string
	var remaining bool
	fs.StringVar(&id, "id", "", "booking identifier")
	fs.BoolVar(&remaining, "remaining", false, "print seconds left before the verification deadline")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return c.fail("--id is required")
	}
	if remaining {
		return c.invoke("escrow_timeRemaining", map[string]string{"id": id}, false)
	}
	return c.invoke("escrow_getBooking", map[string]string{"id": id}, false)
}

func (c *cli) bookingByID(name, method string, args []string) int {
	fs := c.flagSet(name)
	var id string
	fs.StringVar(&id, "id", "", "booking identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return c.fail("--id is required")
	}
	return c.invoke(method, map[string]string{"id": id}, true)
}
