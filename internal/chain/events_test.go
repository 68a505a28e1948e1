package chain

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// canonical topic0 of the ERC-20 Transfer event, fixed by the ABI spec
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

func addressTopic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func uintWord(v uint64) string {
	return fmt.Sprintf("%064x", v)
}

func TestEventTopic(t *testing.T) {
	if got := EventTopic("Transfer(address,address,uint256)"); got != transferTopic {
		t.Fatalf("got %s, want %s", got, transferTopic)
	}
}

func TestDecodeTransferLog(t *testing.T) {
	lg := &Log{
		Address: "0xTokenContract",
		Topics: []string{
			transferTopic,
			addressTopic("0x1111111111111111111111111111111111111111"),
			addressTopic("0x2222222222222222222222222222222222222222"),
		},
		Data:            "0x" + uintWord(5000000000000000000),
		BlockNumber:     "0x10",
		TransactionHash: "0xABC123",
		LogIndex:        "0x2",
	}

	ev, err := DecodeLog(lg, time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ev.Meta.Name != "Transfer" {
		t.Fatalf("name: got %s", ev.Meta.Name)
	}
	if ev.Meta.BlockNumber != 16 || ev.Meta.LogIndex != 2 {
		t.Fatalf("meta: got block %d index %d", ev.Meta.BlockNumber, ev.Meta.LogIndex)
	}
	if ev.Meta.TxHash != "0xabc123" {
		t.Fatalf("tx hash not normalized: %s", ev.Meta.TxHash)
	}

	transfer, ok := ev.Payload.(TransferEvent)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if transfer.From != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("from: %s", transfer.From)
	}
	if transfer.To != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("to: %s", transfer.To)
	}
	if transfer.Value.String() != "5000000000000000000" {
		t.Fatalf("value: %s", transfer.Value)
	}
}

func TestDecodeMilestoneCreatedLog(t *testing.T) {
	milestoneID := "0x" + strings.Repeat("ab", 32)
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	lg := &Log{
		Address: "0xEscrow",
		Topics: []string{
			EventTopic("MilestoneCreated(bytes32,address,uint256,uint256)"),
			milestoneID,
			addressTopic("0x3333333333333333333333333333333333333333"),
		},
		Data:            "0x" + uintWord(1000000000000000000) + uintWord(uint64(deadline.Unix())),
		BlockNumber:     "0x1",
		TransactionHash: "0xdef",
		LogIndex:        "0x0",
	}

	ev, err := DecodeLog(lg, time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	created, ok := ev.Payload.(MilestoneCreatedEvent)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if created.MilestoneID != milestoneID {
		t.Fatalf("milestone id: %s", created.MilestoneID)
	}
	if created.Collaborator != "0x3333333333333333333333333333333333333333" {
		t.Fatalf("collaborator: %s", created.Collaborator)
	}
	if created.Amount.String() != "1000000000000000000" {
		t.Fatalf("amount: %s", created.Amount)
	}
	if !created.Deadline.Equal(deadline) {
		t.Fatalf("deadline: %s", created.Deadline)
	}
}

func TestDecodeLogFailsClosed(t *testing.T) {
	base := func() *Log {
		return &Log{
			Topics: []string{
				transferTopic,
				addressTopic("0x1111111111111111111111111111111111111111"),
				addressTopic("0x2222222222222222222222222222222222222222"),
			},
			Data:            "0x" + uintWord(1),
			BlockNumber:     "0x1",
			TransactionHash: "0xabc",
			LogIndex:        "0x0",
		}
	}

	cases := []struct {
		name   string
		mutate func(*Log)
	}{
		{"no topics", func(lg *Log) { lg.Topics = nil }},
		{"unknown topic0", func(lg *Log) { lg.Topics[0] = "0x" + strings.Repeat("ff", 32) }},
		{"missing indexed arg", func(lg *Log) { lg.Topics = lg.Topics[:2] }},
		{"extra data word", func(lg *Log) { lg.Data += uintWord(7) }},
		{"unaligned data", func(lg *Log) { lg.Data = "0x1234" }},
		{"dirty address padding", func(lg *Log) { lg.Topics[1] = "0x" + strings.Repeat("ff", 32) }},
		{"bad block number", func(lg *Log) { lg.BlockNumber = "zzz" }},
	}

	for _, c := range cases {
		lg := base()
		c.mutate(lg)
		if _, err := DecodeLog(lg, time.Now()); err == nil {
			t.Errorf("%s: expected decode error", c.name)
		}
	}
}

func TestDecodeLogTopicCaseInsensitive(t *testing.T) {
	lg := &Log{
		Topics: []string{
			strings.ToUpper(transferTopic[2:]),
			addressTopic("0x1111111111111111111111111111111111111111"),
			addressTopic("0x2222222222222222222222222222222222222222"),
		},
		Data:            "0x" + uintWord(1),
		BlockNumber:     "0x1",
		TransactionHash: "0xabc",
		LogIndex:        "0x0",
	}
	// restore the 0x prefix dropped by ToUpper slicing
	lg.Topics[0] = "0x" + lg.Topics[0]

	if _, err := DecodeLog(lg, time.Now()); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAllSignaturesRegistered(t *testing.T) {
	var sigs []string
	sigs = append(sigs, EscrowEventSignatures...)
	sigs = append(sigs, TaskEventSignatures...)
	sigs = append(sigs, TokenEventSignatures...)

	for _, sig := range sigs {
		if _, ok := decoders[EventTopic(sig)]; !ok {
			t.Errorf("no decoder registered for %s", sig)
		}
	}
	if len(decoders) != len(sigs) {
		t.Fatalf("decoder count %d, signature count %d", len(decoders), len(sigs))
	}
}
