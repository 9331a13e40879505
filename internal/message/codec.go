package message

import (
	"fmt"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/wire"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Encode converts a Message to its canonical wire encoding:
// a named Record carrying the tagged fields, encoded through the shared
// qmiwire/wire TLV codec so remote delivery and local delivery use the
// same representation when serialization is needed.
func Encode(m Message) []byte {
	return wire.EncodeValue(toRecord(m))
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Message, error) {
	v, err := wire.DecodeBytes(data)
	if err != nil {
		return Message{}, err
	}
	return fromRecord(v)
}

func toRecord(m Message) qmiwire.Value {
	fields := map[string]qmiwire.Value{
		"type":        qmiwire.Int(int64(m.Type)),
		"source":      addrValue(m.Source),
		"destination": addrValue(m.Destination),
	}
	switch m.Type {
	case TypeRequest:
		fields["request_id"] = qmiwire.Int(int64(m.RequestID))
		fields["method"] = qmiwire.String(m.Method)
		fields["args"] = qmiwire.List(m.Args)
		fields["kwargs"] = qmiwire.Map(m.Kwargs)
		fields["lock_token"] = qmiwire.String(m.LockToken)
	case TypeReply:
		fields["request_id"] = qmiwire.Int(int64(m.RequestID))
		if m.Exception != nil {
			fields["exception"] = exceptionValue(*m.Exception)
		} else {
			fields["value"] = m.Value
		}
	case TypeErrorReply:
		fields["request_id"] = qmiwire.Int(int64(m.RequestID))
		fields["error_kind"] = qmiwire.String(string(m.ErrorKind))
		fields["error_message"] = qmiwire.String(m.ErrorMessage)
	case TypeSignal:
		fields["signal_name"] = qmiwire.String(m.SignalName)
		fields["timestamp"] = qmiwire.TimestampValue(m.Timestamp.Unix(), int32(m.Timestamp.Nanosecond()))
		fields["payload"] = m.Payload
	case TypeHandshake:
		fields["peer_context"] = qmiwire.String(m.PeerContext)
		fields["workgroup"] = qmiwire.String(m.Workgroup)
		fields["protocol_version"] = qmiwire.Int(int64(m.ProtocolVersion))
	}
	return qmiwire.RecordValue("Message", fields)
}

func fromRecord(v qmiwire.Value) (Message, error) {
	if v.Kind != qmiwire.KindRecord || v.Record == nil || v.Record.Tag != "Message" {
		return Message{}, fmt.Errorf("message: not a Message record")
	}
	f := v.Record.Fields
	m := Message{
		Type:        Type(f["type"].Int),
		Source:      addrFromValue(f["source"]),
		Destination: addrFromValue(f["destination"]),
	}
	switch m.Type {
	case TypeRequest:
		m.RequestID = uint64(f["request_id"].Int)
		m.Method = f["method"].String
		m.Args = f["args"].List
		m.Kwargs = f["kwargs"].Map
		m.LockToken = f["lock_token"].String
	case TypeReply:
		m.RequestID = uint64(f["request_id"].Int)
		if exc, ok := f["exception"]; ok && exc.Kind == qmiwire.KindRecord {
			e := exceptionFromValue(exc)
			m.Exception = &e
		} else {
			m.Value = f["value"]
		}
	case TypeErrorReply:
		m.RequestID = uint64(f["request_id"].Int)
		m.ErrorKind = errs.Kind(f["error_kind"].String)
		m.ErrorMessage = f["error_message"].String
	case TypeSignal:
		m.SignalName = f["signal_name"].String
		ts := f["timestamp"].Time
		m.Timestamp = time.Unix(ts.Seconds, int64(ts.Nanoseconds)).UTC()
		m.Payload = f["payload"]
	case TypeHandshake:
		m.PeerContext = f["peer_context"].String
		m.Workgroup = f["workgroup"].String
		m.ProtocolVersion = uint32(f["protocol_version"].Int)
	default:
		return Message{}, fmt.Errorf("message: unknown type tag %d", m.Type)
	}
	return m, nil
}

func addrValue(a address.Address) qmiwire.Value {
	return qmiwire.RecordValue("Address", map[string]qmiwire.Value{
		"context": qmiwire.String(a.Context),
		"object":  qmiwire.String(a.Object),
	})
}

func addrFromValue(v qmiwire.Value) address.Address {
	if v.Kind != qmiwire.KindRecord || v.Record == nil {
		return address.Address{}
	}
	return address.Address{
		Context: v.Record.Fields["context"].String,
		Object:  v.Record.Fields["object"].String,
	}
}

func exceptionValue(e RemoteException) qmiwire.Value {
	descriptor := make(map[string]qmiwire.Value, len(e.Descriptor))
	for k, val := range e.Descriptor {
		descriptor[k] = val
	}
	return qmiwire.RecordValue("RemoteException", map[string]qmiwire.Value{
		"kind":       qmiwire.String(string(e.Kind)),
		"message":    qmiwire.String(e.Message),
		"descriptor": qmiwire.Map(descriptor),
	})
}

func exceptionFromValue(v qmiwire.Value) RemoteException {
	f := v.Record.Fields
	descriptor := make(map[string]qmiwire.Value, len(f["descriptor"].Map))
	for k, val := range f["descriptor"].Map {
		descriptor[k] = val
	}
	return RemoteException{
		Kind:       errs.Kind(f["kind"].String),
		Message:    f["message"].String,
		Descriptor: descriptor,
	}
}
