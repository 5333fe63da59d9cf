package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"bookingescrow/core/events"
	"bookingescrow/core/types"
	"bookingescrow/integrations/exports"
	"bookingescrow/rpc"
)

func (c *cli) runEvents(args []string) int {
	fs := c.flagSet("events")
	var after uint64
	var limit int
	var booking, format, parquetPath string
	fs.Uint64Var(&after, "after", 0, "return events after this sequence")
	fs.IntVar(&limit, "limit", 0, "maximum number of events")
	fs.StringVar(&booking, "booking", "", "only events for this booking")
	fs.StringVar(&format, "format", "json", "output format: json, jsonl or csv")
	fs.StringVar(&parquetPath, "parquet", "", "also write the page to this parquet file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if limit < 0 {
		return c.fail("--limit must not be negative")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "json", "jsonl", "csv":
	default:
		return c.fail("--format must be json, jsonl or csv")
	}
	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	if b := strings.TrimSpace(booking); b != "" {
		params["bookingId"] = b
	}
	if format == "json" && parquetPath == "" {
		return c.invoke("escrow_listEvents", params, false)
	}

	result, rpcErr, err := c.client.call("escrow_listEvents", params, false)
	if err != nil {
		fmt.Fprintf(c.stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(c.stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		return 1
	}
	var page struct {
		Events []rpc.EventRecordJSON `json:"events"`
	}
	if err := json.Unmarshal(result, &page); err != nil {
		return c.fail(fmt.Sprintf("decode events: %v", err))
	}
	records, err := toRecords(page.Events)
	if err != nil {
		return c.fail(err.Error())
	}
	if parquetPath != "" {
		if err := exports.WriteEventsParquet(parquetPath, records); err != nil {
			return c.fail(fmt.Sprintf("write parquet: %v", err))
		}
		fmt.Fprintf(c.stderr, "wrote %d events to %s\n", len(records), parquetPath)
	}
	var data []byte
	var checksum string
	switch format {
	case "jsonl":
		data, checksum, err = exports.EventsJSONL(records)
	case "csv":
		data, checksum, err = exports.EventsCSV(records)
	default:
		writeResult(c.stdout, result)
		return 0
	}
	if err != nil {
		return c.fail(fmt.Sprintf("export events: %v", err))
	}
	_, _ = c.stdout.Write(data)
	fmt.Fprintf(c.stderr, "sha256 %s\n", checksum)
	return 0
}

func toRecords(in []rpc.EventRecordJSON) ([]events.Record, error) {
	out := make([]events.Record, 0, len(in))
	for _, item := range in {
		digest, err := hex.DecodeString(item.Digest)
		if err != nil || len(digest) != 32 {
			return nil, fmt.Errorf("event %d: invalid digest", item.Sequence)
		}
		rec := events.Record{
			Sequence:  item.Sequence,
			Timestamp: item.Timestamp,
			Event:     &types.Event{Type: item.Type, Attributes: item.Attributes},
		}
		copy(rec.Digest[:], digest)
		out = append(out, rec)
	}
	return out, nil
}

func (c *cli) runBalance(args []string) int {
	fs := c.flagSet("balance")
	var address string
	var custody bool
	fs.StringVar(&address, "address", "", "bech32 identity (defaults to --as)")
	fs.BoolVar(&custody, "custody", false, "print the total held in escrow instead")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if custody {
		return c.invoke("escrow_custodyBalance", nil, false)
	}
	if strings.TrimSpace(address) == "" {
		address = c.client.caller
	}
	if strings.TrimSpace(address) == "" {
		return c.fail("--address is required")
	}
	return c.invoke("escrow_balanceOf", map[string]string{"address": address}, false)
}
