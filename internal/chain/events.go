package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
)

// Log is one raw log entry as delivered by the node.
type Log struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// EventMeta identifies one decoded log. (TxHash, LogIndex) is the dedup key
// for idempotent replay.
type EventMeta struct {
	Name        string
	Contract    string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint32
	ObservedAt  time.Time
}

// Event is the envelope handed to a domain handler: metadata plus one typed
// payload. Constructed once per log, never persisted verbatim.
type Event struct {
	Meta    EventMeta
	Payload Payload
}

// Payload is a decoded event body. The set of implementations is closed;
// decoding an unknown layout fails rather than yielding a partial object.
type Payload interface {
	EventName() string
}

// =============================================================================
// Escrow / milestone events
// =============================================================================

// MilestoneCreatedEvent: MilestoneCreated(milestoneId, collaborator, amount, deadline)
type MilestoneCreatedEvent struct {
	MilestoneID  string
	Collaborator string
	Amount       ledger.Amount
	Deadline     time.Time
}

func (MilestoneCreatedEvent) EventName() string { return "MilestoneCreated" }

// FundsDepositedEvent: FundsDeposited(from, amount)
type FundsDepositedEvent struct {
	From   string
	Amount ledger.Amount
}

func (FundsDepositedEvent) EventName() string { return "FundsDeposited" }

// FundsReleasedEvent: FundsReleased(milestoneId, collaborator, amount)
type FundsReleasedEvent struct {
	MilestoneID  string
	Collaborator string
	Amount       ledger.Amount
}

func (FundsReleasedEvent) EventName() string { return "FundsReleased" }

// MilestoneDisputedEvent: MilestoneDisputed(milestoneId, raisedBy)
type MilestoneDisputedEvent struct {
	MilestoneID string
	RaisedBy    string
}

func (MilestoneDisputedEvent) EventName() string { return "MilestoneDisputed" }

// DisputeResolvedEvent: DisputeResolved(milestoneId, released)
type DisputeResolvedEvent struct {
	MilestoneID string
	Released    bool
}

func (DisputeResolvedEvent) EventName() string { return "DisputeResolved" }

// =============================================================================
// Task-rules events
// =============================================================================

// TaskCreatedEvent: TaskCreated(taskId, assignee, reward, deadline)
type TaskCreatedEvent struct {
	TaskID   string
	Assignee string
	Reward   ledger.Amount
	Deadline time.Time
}

func (TaskCreatedEvent) EventName() string { return "TaskCreated" }

// TaskSubmittedEvent: TaskSubmitted(taskId, assignee, proofHash)
type TaskSubmittedEvent struct {
	TaskID    string
	Assignee  string
	ProofHash string
}

func (TaskSubmittedEvent) EventName() string { return "TaskSubmitted" }

// TaskVerifiedEvent: TaskVerified(taskId, verifier)
type TaskVerifiedEvent struct {
	TaskID   string
	Verifier string
}

func (TaskVerifiedEvent) EventName() string { return "TaskVerified" }

// =============================================================================
// Token events
// =============================================================================

// TransferEvent: Transfer(from, to, value)
type TransferEvent struct {
	From  string
	To    string
	Value ledger.Amount
}

func (TransferEvent) EventName() string { return "Transfer" }

// HolderAddedEvent: HolderAdded(holder)
type HolderAddedEvent struct {
	Holder string
}

func (HolderAddedEvent) EventName() string { return "HolderAdded" }

// HolderRemovedEvent: HolderRemoved(holder)
type HolderRemovedEvent struct {
	Holder string
}

func (HolderRemovedEvent) EventName() string { return "HolderRemoved" }

// =============================================================================
// Signatures and decode
// =============================================================================

// Event signature strings per watched contract group. Each string fully
// specifies the decoded argument shape.
var (
	EscrowEventSignatures = []string{
		"MilestoneCreated(bytes32,address,uint256,uint256)",
		"FundsDeposited(address,uint256)",
		"FundsReleased(bytes32,address,uint256)",
		"MilestoneDisputed(bytes32,address)",
		"DisputeResolved(bytes32,bool)",
	}
	TaskEventSignatures = []string{
		"TaskCreated(bytes32,address,uint256,uint256)",
		"TaskSubmitted(bytes32,address,bytes32)",
		"TaskVerified(bytes32,address)",
	}
	TokenEventSignatures = []string{
		"Transfer(address,address,uint256)",
		"HolderAdded(address)",
		"HolderRemoved(address)",
	}
)

type decodeFunc func(topics []string, words []string) (Payload, error)

type eventABI struct {
	name   string
	decode decodeFunc
}

// decoders maps topic0 to the event's decoder. Built once at init from the
// signature lists above.
var decoders = map[string]eventABI{}

func init() {
	register := func(sig string, fn decodeFunc) {
		name := sig[:strings.IndexByte(sig, '(')]
		decoders[EventTopic(sig)] = eventABI{name: name, decode: fn}
	}

	register("MilestoneCreated(bytes32,address,uint256,uint256)", decodeMilestoneCreated)
	register("FundsDeposited(address,uint256)", decodeFundsDeposited)
	register("FundsReleased(bytes32,address,uint256)", decodeFundsReleased)
	register("MilestoneDisputed(bytes32,address)", decodeMilestoneDisputed)
	register("DisputeResolved(bytes32,bool)", decodeDisputeResolved)
	register("TaskCreated(bytes32,address,uint256,uint256)", decodeTaskCreated)
	register("TaskSubmitted(bytes32,address,bytes32)", decodeTaskSubmitted)
	register("TaskVerified(bytes32,address)", decodeTaskVerified)
	register("Transfer(address,address,uint256)", decodeTransfer)
	register("HolderAdded(address)", decodeHolderAdded)
	register("HolderRemoved(address)", decodeHolderRemoved)
}

// EventTopic returns the 0x-prefixed Keccak-256 hash of a canonical event
// signature, i.e. the log's topic0.
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// DecodeLog maps one raw log to a typed event envelope. Unknown topics and
// malformed argument layouts are decode errors, never partial objects.
func DecodeLog(lg *Log, observedAt time.Time) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log %s has no topics", lg.TransactionHash)
	}
	abi, ok := decoders[strings.ToLower(lg.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("unrecognized event topic %s", lg.Topics[0])
	}

	words, err := dataWords(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", abi.name, err)
	}

	payload, err := abi.decode(lg.Topics[1:], words)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", abi.name, err)
	}

	blockNumber, err := parseHexUint(lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decode %s blockNumber: %w", abi.name, err)
	}
	logIndex, err := parseHexUint(lg.LogIndex)
	if err != nil {
		return nil, fmt.Errorf("decode %s logIndex: %w", abi.name, err)
	}

	return &Event{
		Meta: EventMeta{
			Name:        abi.name,
			Contract:    strings.ToLower(lg.Address),
			BlockNumber: blockNumber,
			TxHash:      strings.ToLower(lg.TransactionHash),
			LogIndex:    uint32(logIndex),
			ObservedAt:  observedAt,
		},
		Payload: payload,
	}, nil
}

// --- per-event decoders -----------------------------------------------------

func decodeMilestoneCreated(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 2 {
		return nil, fmt.Errorf("expected 2 topics and 2 words, got %d/%d", len(topics), len(words))
	}
	amount, err := wordToAmount(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	deadline, err := wordToTime(words[1])
	if err != nil {
		return nil, fmt.Errorf("parse deadline: %w", err)
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse collaborator: %w", err)
	}
	return MilestoneCreatedEvent{
		MilestoneID:  normalizeHash(topics[0]),
		Collaborator: addr,
		Amount:       amount,
		Deadline:     deadline,
	}, nil
}

func decodeFundsDeposited(topics, words []string) (Payload, error) {
	if len(topics) != 1 || len(words) != 1 {
		return nil, fmt.Errorf("expected 1 topic and 1 word, got %d/%d", len(topics), len(words))
	}
	amount, err := wordToAmount(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	from, err := topicToAddress(topics[0])
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	return FundsDepositedEvent{From: from, Amount: amount}, nil
}

func decodeFundsReleased(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 1 {
		return nil, fmt.Errorf("expected 2 topics and 1 word, got %d/%d", len(topics), len(words))
	}
	amount, err := wordToAmount(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse collaborator: %w", err)
	}
	return FundsReleasedEvent{
		MilestoneID:  normalizeHash(topics[0]),
		Collaborator: addr,
		Amount:       amount,
	}, nil
}

func decodeMilestoneDisputed(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 0 {
		return nil, fmt.Errorf("expected 2 topics and 0 words, got %d/%d", len(topics), len(words))
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse raisedBy: %w", err)
	}
	return MilestoneDisputedEvent{MilestoneID: normalizeHash(topics[0]), RaisedBy: addr}, nil
}

func decodeDisputeResolved(topics, words []string) (Payload, error) {
	if len(topics) != 1 || len(words) != 1 {
		return nil, fmt.Errorf("expected 1 topic and 1 word, got %d/%d", len(topics), len(words))
	}
	released, err := wordToBool(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse released: %w", err)
	}
	return DisputeResolvedEvent{MilestoneID: normalizeHash(topics[0]), Released: released}, nil
}

func decodeTaskCreated(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 2 {
		return nil, fmt.Errorf("expected 2 topics and 2 words, got %d/%d", len(topics), len(words))
	}
	reward, err := wordToAmount(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse reward: %w", err)
	}
	deadline, err := wordToTime(words[1])
	if err != nil {
		return nil, fmt.Errorf("parse deadline: %w", err)
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse assignee: %w", err)
	}
	return TaskCreatedEvent{
		TaskID:   normalizeHash(topics[0]),
		Assignee: addr,
		Reward:   reward,
		Deadline: deadline,
	}, nil
}

func decodeTaskSubmitted(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 1 {
		return nil, fmt.Errorf("expected 2 topics and 1 word, got %d/%d", len(topics), len(words))
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse assignee: %w", err)
	}
	proof, err := wordToHash(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse proofHash: %w", err)
	}
	return TaskSubmittedEvent{
		TaskID:    normalizeHash(topics[0]),
		Assignee:  addr,
		ProofHash: proof,
	}, nil
}

func decodeTaskVerified(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 0 {
		return nil, fmt.Errorf("expected 2 topics and 0 words, got %d/%d", len(topics), len(words))
	}
	addr, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse verifier: %w", err)
	}
	return TaskVerifiedEvent{TaskID: normalizeHash(topics[0]), Verifier: addr}, nil
}

func decodeTransfer(topics, words []string) (Payload, error) {
	if len(topics) != 2 || len(words) != 1 {
		return nil, fmt.Errorf("expected 2 topics and 1 word, got %d/%d", len(topics), len(words))
	}
	from, err := topicToAddress(topics[0])
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := topicToAddress(topics[1])
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	value, err := wordToAmount(words[0])
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return TransferEvent{From: from, To: to, Value: value}, nil
}

func decodeHolderAdded(topics, words []string) (Payload, error) {
	if len(topics) != 1 || len(words) != 0 {
		return nil, fmt.Errorf("expected 1 topic and 0 words, got %d/%d", len(topics), len(words))
	}
	addr, err := topicToAddress(topics[0])
	if err != nil {
		return nil, fmt.Errorf("parse holder: %w", err)
	}
	return HolderAddedEvent{Holder: addr}, nil
}

func decodeHolderRemoved(topics, words []string) (Payload, error) {
	if len(topics) != 1 || len(words) != 0 {
		return nil, fmt.Errorf("expected 1 topic and 0 words, got %d/%d", len(topics), len(words))
	}
	addr, err := topicToAddress(topics[0])
	if err != nil {
		return nil, fmt.Errorf("parse holder: %w", err)
	}
	return HolderRemovedEvent{Holder: addr}, nil
}

// --- word parsing -----------------------------------------------------------

const wordHexLen = 64

// dataWords splits a log's data field into 32-byte words.
func dataWords(data string) ([]string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(data, "0x"), "0X")
	if len(s)%wordHexLen != 0 {
		return nil, fmt.Errorf("data length %d is not word-aligned", len(s))
	}
	words := make([]string, 0, len(s)/wordHexLen)
	for i := 0; i < len(s); i += wordHexLen {
		words = append(words, s[i:i+wordHexLen])
	}
	return words, nil
}

func topicToAddress(topic string) (string, error) {
	s := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(s) != wordHexLen {
		return "", fmt.Errorf("topic length %d, want %d", len(s), wordHexLen)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid hex topic: %w", err)
	}
	// address is the low 20 bytes of the padded word
	if s[:24] != strings.Repeat("0", 24) {
		return "", fmt.Errorf("address topic has non-zero padding")
	}
	return "0x" + s[24:], nil
}

func normalizeHash(topic string) string {
	return strings.ToLower(topic)
}

func wordToHash(word string) (string, error) {
	if len(word) != wordHexLen {
		return "", fmt.Errorf("word length %d, want %d", len(word), wordHexLen)
	}
	if _, err := hex.DecodeString(word); err != nil {
		return "", fmt.Errorf("invalid hex word: %w", err)
	}
	return "0x" + strings.ToLower(word), nil
}

func wordToAmount(word string) (ledger.Amount, error) {
	v, err := wordToBig(word)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.AmountFromBig(v), nil
}

func wordToBig(word string) (*big.Int, error) {
	if len(word) != wordHexLen {
		return nil, fmt.Errorf("word length %d, want %d", len(word), wordHexLen)
	}
	v, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex word %q", word)
	}
	return v, nil
}

func wordToBool(word string) (bool, error) {
	v, err := wordToBig(word)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

func wordToTime(word string) (time.Time, error) {
	v, err := wordToBig(word)
	if err != nil {
		return time.Time{}, err
	}
	if !v.IsInt64() {
		return time.Time{}, fmt.Errorf("timestamp out of range")
	}
	if v.Sign() == 0 {
		return time.Time{}, nil
	}
	return time.Unix(v.Int64(), 0).UTC(), nil
}
