// Package bus wires the gateway to its message-bus boundary (§6.2):
// consumed control-plane and business-send topics, produced delivery/
// response/state-change topics, and the JSON projection of codec.Record
// used on the wire between Kafka and the rest of the process.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/smsgate/gateway/internal/codec"
	"github.com/smsgate/gateway/internal/logging"
)

// Topic names the bus topics listed in §6.2, both consumed and produced.
type Topic string

const (
	TopicAccountAdd          Topic = "account.add"
	TopicAccountModify       Topic = "account.modify"
	TopicAccountRemove       Topic = "account.remove"
	TopicAccountInit         Topic = "account.init"
	TopicPassageAdd          Topic = "passage.add"
	TopicPassageModify       Topic = "passage.modify"
	TopicPassageRemove       Topic = "passage.remove"
	TopicPassageInit         Topic = "passage.init"
	TopicPassageRequestState Topic = "passage.request.state"
	TopicSendSubmit          Topic = "send.submit"
	TopicSendDeliver         Topic = "send.deliver"
	TopicSendReport          Topic = "send.report"

	TopicToBSubmit          Topic = "toB.submit"
	TopicToBSubmitResponse  Topic = "toB.submit.response"
	TopicToBDeliver         Topic = "toB.deliver"
	TopicToBDeliverResponse Topic = "toB.deliver.response"
	TopicToBReport          Topic = "toB.report"
	TopicToBReportResponse  Topic = "toB.report.response"
	TopicSendReturnFailure  Topic = "sms.send.return.failure"
	TopicPassageStateChange Topic = "passage.state.change"
	TopicAccountStateChange Topic = "account.state.change"
	TopicLowerComputerInit  Topic = "lower.computer.init"
)

// ControlPlaneTopics lists every topic an Entity Manager must subscribe to,
// per §4.5/§6.2.
var ControlPlaneTopics = []Topic{
	TopicAccountAdd, TopicAccountModify, TopicAccountRemove, TopicAccountInit,
	TopicPassageAdd, TopicPassageModify, TopicPassageRemove, TopicPassageInit,
	TopicPassageRequestState,
	TopicSendSubmit, TopicSendDeliver, TopicSendReport,
}

// Publisher publishes a Record's business payload, stripped of internal
// bookkeeping fields, to a produced topic. Entities and the Connection
// failure path depend on this interface rather than on kafka-go directly,
// so tests can substitute an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, rec codec.Record) error
}

// Writer is a Publisher backed by one kafka-go Writer, partitioned by key
// (entity id, or connection id for failure records) so records concerning
// the same peer preserve relative ordering on the wire, matching the
// per-Connection/per-Entity ordering guarantee in §5.
type Writer struct {
	w      *kafka.Writer
	logger logging.Logger
}

func NewWriter(brokers []string, logger logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Writer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (w *Writer) Publish(ctx context.Context, topic Topic, key string, rec codec.Record) error {
	payload, err := json.Marshal(toWireRecord(rec.StripInternal()))
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", topic, err)
	}
	if err := w.w.WriteMessages(ctx, kafka.Message{
		Topic: string(topic),
		Key:   []byte(key),
		Value: payload,
	}); err != nil {
		w.logger.Error("bus: publish %s failed: %v", topic, err)
		return err
	}
	return nil
}

func (w *Writer) Close() error { return w.w.Close() }

// Inbound is one decoded bus message paired with the topic it arrived on —
// the Entity Manager dispatches on topic prefix/suffix (§4.5), not on
// msg_type alone, so the topic must travel with the Record.
type Inbound struct {
	Topic  Topic
	Record codec.Record
}

// Reader consumes a single topic and decodes each message's JSON payload
// back into a codec.Record, restoring msg_type from its string tag.
type Reader struct {
	r      *kafka.Reader
	topic  Topic
	logger logging.Logger
}

func NewReader(brokers []string, groupID string, topic Topic, logger logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reader{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    string(topic),
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		topic:  topic,
		logger: logger,
	}
}

// Run feeds every decoded message to out until ctx is cancelled or the
// underlying reader fails. Malformed payloads are logged and skipped
// rather than propagated, since one bad bus message must never block the
// rest of the control/business stream.
func (r *Reader) Run(ctx context.Context, out chan<- Inbound) error {
	for {
		m, err := r.r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		rec, err := fromWireRecord(m.Value)
		if err != nil {
			r.logger.Warn("bus: %s: bad payload: %v", r.topic, err)
			if cerr := r.r.CommitMessages(ctx, m); cerr != nil {
				r.logger.Warn("bus: commit failed: %v", cerr)
			}
			continue
		}
		select {
		case out <- Inbound{Topic: r.topic, Record: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := r.r.CommitMessages(ctx, m); err != nil {
			r.logger.Warn("bus: commit failed: %v", err)
		}
	}
}

func (r *Reader) Close() error { return r.r.Close() }

// toWireRecord renders msg_type as its canonical string tag and status as a
// plain integer instead of the internal typed values, matching the
// "JSON-ish text" projection described in §6.2.
func toWireRecord(rec codec.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch k {
		case codec.FieldMsgType:
			if mt, ok := v.(codec.MsgType); ok {
				out[k] = mt.String()
				continue
			}
		case codec.FieldStatus:
			if st, ok := v.(codec.StatusCode); ok {
				out[k] = int(st)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// fromWireRecord is the inverse of toWireRecord.
func fromWireRecord(payload []byte) (codec.Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	rec := codec.Record(raw)
	if s, ok := rec[codec.FieldMsgType].(string); ok {
		rec[codec.FieldMsgType] = codec.ParseMsgType(s)
	}
	if st, ok := rec[codec.FieldStatus].(float64); ok {
		rec[codec.FieldStatus] = codec.StatusCode(int(st))
	}
	return rec, nil
}
