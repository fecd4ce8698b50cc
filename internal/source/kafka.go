package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
)

// ClockChannel is the single channel a changefeed source emits on. The
// commit token is the target cluster's logical timestamp.
const ClockChannel = "clock"

// KafkaConfig describes the changefeed topics the reverse stream consumes.
// Distributed SQL engines emit one changefeed topic per table; Topics maps
// each to its schema-qualified table name.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  map[string]string // topic -> schema-qualified table
}

// Kafka consumes a target cluster's changefeed from Kafka. The envelope is
// the key/after/updated JSON shape: a null "after" is a delete, "updated"
// is the commit's logical timestamp.
type Kafka struct {
	cfg    KafkaConfig
	logger *zap.Logger
}

func NewKafka(cfg KafkaConfig, logger *zap.Logger) *Kafka {
	return &Kafka{cfg: cfg, logger: logger}
}

type changefeedEnvelope struct {
	After   map[string]any `json:"after"`
	Updated string         `json:"updated"`
}

// Run implements Stream. Consumer-group offsets are committed only once the
// consumer confirms the event durably staged, so a crash replays rather
// than loses; staging dedup absorbs the replay.
func (k *Kafka) Run(ctx context.Context, from cursor.Cursor, out chan<- event.Raw, confirmed func() cursor.Cursor) error {
	topics := make([]string, 0, len(k.cfg.Topics))
	for t := range k.cfg.Topics {
		topics = append(topics, t)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     k.cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			k.logger.Error("kafka reader error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	})
	defer reader.Close()

	k.logger.Info("changefeed consumer started",
		zap.Strings("topics", topics),
		zap.String("from", from.String()))

	var uncommitted []pendingMessage
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Includes fetch timeouts on an idle topic; commit what the
			// consumer has confirmed meanwhile and keep polling.
			uncommitted = k.commitConfirmed(ctx, reader, uncommitted, confirmed())
			continue
		}

		raw, seq, perr := k.decode(msg)
		garbled := perr != nil
		if garbled {
			k.logger.Error("undecodable changefeed message, surfacing as unknown",
				zap.String("topic", msg.Topic), zap.Error(perr))
			raw = event.Raw{
				Table:     k.cfg.Topics[msg.Topic],
				Kind:      "garbled",
				Channel:   ClockChannel,
				CommitSeq: uint64(msg.Offset),
			}
		}
		if err := emit(ctx, out, raw); err != nil {
			return err
		}
		uncommitted = append(uncommitted, pendingMessage{msg: msg, seq: seq, garbled: garbled})
		uncommitted = k.commitConfirmed(ctx, reader, uncommitted, confirmed())
	}
}

type pendingMessage struct {
	msg     kafka.Message
	seq     uint64
	garbled bool
}

// committablePrefix reports how many leading pending messages are safely
// committable given the consumer's confirmed clock cursor. A garbled
// message carries no clock position, so its staging cannot be inferred from
// cp directly; it is committable only once a later decodable message is
// confirmed, because staging is strictly in arrival order. Garbled messages
// at the tail stay uncommitted until the next good message (a crash then
// redelivers them; staging dedup absorbs the replay).
func committablePrefix(pending []pendingMessage, cp cursor.Cursor) int {
	if cp.IsZero() {
		return 0
	}
	last := -1
	for i, p := range pending {
		if p.garbled {
			continue
		}
		if p.seq > cp.Clock() {
			break
		}
		last = i
	}
	return last + 1
}

func (k *Kafka) commitConfirmed(ctx context.Context, reader *kafka.Reader, pending []pendingMessage, cp cursor.Cursor) []pendingMessage {
	n := committablePrefix(pending, cp)
	if n == 0 {
		return pending
	}
	msgs := make([]kafka.Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = pending[i].msg
	}
	if err := reader.CommitMessages(ctx, msgs...); err != nil {
		k.logger.Warn("offset commit failed, will retry", zap.Error(err))
		return pending
	}
	return pending[n:]
}

func (k *Kafka) decode(msg kafka.Message) (event.Raw, uint64, error) {
	table, ok := k.cfg.Topics[msg.Topic]
	if !ok {
		return event.Raw{}, 0, fmt.Errorf("source: no table mapped for topic %s", msg.Topic)
	}

	var keyVals []any
	if err := json.Unmarshal(msg.Key, &keyVals); err != nil {
		return event.Raw{}, 0, fmt.Errorf("source: changefeed key: %w", err)
	}
	key := make([]string, len(keyVals))
	for i, v := range keyVals {
		key[i] = fmt.Sprintf("%v", v)
	}

	var env changefeedEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return event.Raw{}, 0, fmt.Errorf("source: changefeed envelope: %w", err)
	}
	seq, err := parseLogicalTimestamp(env.Updated)
	if err != nil {
		return event.Raw{}, 0, err
	}

	kind := "u"
	if env.After == nil {
		kind = "d"
	}
	return event.Raw{
		Table:     table,
		Kind:      kind,
		Key:       key,
		Row:       env.After,
		Channel:   ClockChannel,
		CommitSeq: seq,
	}, seq, nil
}

// parseLogicalTimestamp handles the HLC decimal form "1756640000000000000.0000000001".
func parseLogicalTimestamp(s string) (uint64, error) {
	whole, _, _ := strings.Cut(strings.TrimSpace(s), ".")
	ts, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("source: logical timestamp %q: %w", s, err)
	}
	return ts, nil
}
