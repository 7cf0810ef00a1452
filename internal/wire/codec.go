// Package wire encodes radio frames in protobuf wire format so they can leave
// the process, for example when mirrored to an MQTT broker.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/vanet-simulator/model"
)

// Field numbers of the Report message.
//
//	message Report {
//	  uint32 kind            = 1;
//	  sint64 sender_id       = 2;
//	  sint64 sender_address  = 3;
//	  sint64 recipient       = 4;
//	  bytes  payload         = 5;
//	  int64  sent_at_unix_ns = 6;
//	}
const (
	fieldKind          protowire.Number = 1
	fieldSenderID      protowire.Number = 2
	fieldSenderAddress protowire.Number = 3
	fieldRecipient     protowire.Number = 4
	fieldPayload       protowire.Number = 5
	fieldSentAt        protowire.Number = 6
)

// ErrUnknownKind is returned for frames whose kind is not one of the known
// report kinds.
var ErrUnknownKind = errors.New("unknown report kind")

// Marshal encodes r. A zero SentAt is omitted.
func Marshal(r model.Report) []byte {
	b := make([]byte, 0, 32+len(r.Payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fieldSenderID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.SenderID)))
	b = protowire.AppendTag(b, fieldSenderAddress, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.SenderAddress)))
	b = protowire.AppendTag(b, fieldRecipient, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.Recipient)))
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if !r.SentAt.IsZero() {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.SentAt.UnixNano()))
	}
	return b
}

// Unmarshal decodes a frame produced by Marshal. Unknown fields are skipped.
// Absent sender address and recipient decode as broadcast.
func Unmarshal(b []byte) (model.Report, error) {
	r := model.Report{SenderAddress: model.Broadcast, Recipient: model.Broadcast}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.Report{}, fmt.Errorf("read tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return model.Report{}, fmt.Errorf("read payload: %w", protowire.ParseError(n))
			}
			r.Payload = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldKind && num <= fieldSentAt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return model.Report{}, fmt.Errorf("read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				r.Kind = model.Kind(v)
			case fieldSenderID:
				r.SenderID = int(protowire.DecodeZigZag(v))
			case fieldSenderAddress:
				r.SenderAddress = model.Address(protowire.DecodeZigZag(v))
			case fieldRecipient:
				r.Recipient = model.Address(protowire.DecodeZigZag(v))
			case fieldSentAt:
				r.SentAt = time.Unix(0, int64(v)).UTC()
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.Report{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch r.Kind {
	case model.KindViolationReport, model.KindValidationReport, model.KindAcknowledgement:
		return r, nil
	default:
		return model.Report{}, fmt.Errorf("%w: %d", ErrUnknownKind, r.Kind)
	}
}
