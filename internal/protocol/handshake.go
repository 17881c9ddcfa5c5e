package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// 控制消息类型
const (
	MessageHello = "hello"
	MessageAck   = "ack"
)

var (
	ErrNotControlFrame  = errors.New("not a control frame")
	ErrMalformedControl = errors.New("malformed control message")
)

// Hello 客户端握手消息
type Hello struct {
	StreamID      string
	ClientVersion string
	NextSeq       uint64 // 客户端缓冲区中第一个待发送的序列号
}

// Ack 服务端确认消息。握手时携带会话信息，之后用于逐块确认
type Ack struct {
	StreamID  string
	SessionID string
	LastSeq   uint64 // 服务端已接收的最大序列号
	OK        bool
	Acks      bool // 服务端是否会持续发送逐块确认
	Reason    string
}

// EncodeHello 编码握手请求为控制帧
func EncodeHello(h Hello) ([]byte, error) {
	return encodeControl(map[string]interface{}{
		"type":           MessageHello,
		"stream_id":      h.StreamID,
		"client_version": h.ClientVersion,
		"next_seq":       strconv.FormatUint(h.NextSeq, 10),
	})
}

// DecodeHello 从控制帧解码握手请求
func DecodeHello(raw []byte) (Hello, error) {
	fields, err := decodeControl(raw, MessageHello)
	if err != nil {
		return Hello{}, err
	}

	next, err := parseSeq(fields, "next_seq")
	if err != nil {
		return Hello{}, err
	}

	return Hello{
		StreamID:      fields["stream_id"].GetStringValue(),
		ClientVersion: fields["client_version"].GetStringValue(),
		NextSeq:       next,
	}, nil
}

// EncodeAck 编码确认消息为控制帧
func EncodeAck(a Ack) ([]byte, error) {
	return encodeControl(map[string]interface{}{
		"type":       MessageAck,
		"stream_id":  a.StreamID,
		"session_id": a.SessionID,
		"last_seq":   strconv.FormatUint(a.LastSeq, 10),
		"ok":         a.OK,
		"acks":       a.Acks,
		"reason":     a.Reason,
	})
}

// DecodeAck 从控制帧解码确认消息
func DecodeAck(raw []byte) (Ack, error) {
	fields, err := decodeControl(raw, MessageAck)
	if err != nil {
		return Ack{}, err
	}

	last, err := parseSeq(fields, "last_seq")
	if err != nil {
		return Ack{}, err
	}

	return Ack{
		StreamID:  fields["stream_id"].GetStringValue(),
		SessionID: fields["session_id"].GetStringValue(),
		LastSeq:   last,
		OK:        fields["ok"].GetBoolValue(),
		Acks:      fields["acks"].GetBoolValue(),
		Reason:    fields["reason"].GetStringValue(),
	}, nil
}

func encodeControl(values map[string]interface{}) ([]byte, error) {
	msg, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("build control message failed: %w", err)
	}

	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal control message failed: %w", err)
	}

	return EncodeFrame(ControlSeq, body), nil
}

func decodeControl(raw []byte, want string) (map[string]*structpb.Value, error) {
	seq, body, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if seq != ControlSeq {
		return nil, ErrNotControlFrame
	}

	msg := &structpb.Struct{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}

	fields := msg.GetFields()
	if got := fields["type"].GetStringValue(); got != want {
		return nil, fmt.Errorf("%w: expected %q message, got %q", ErrMalformedControl, want, got)
	}

	return fields, nil
}

func parseSeq(fields map[string]*structpb.Value, key string) (uint64, error) {
	raw := fields[key].GetStringValue()
	if raw == "" {
		return 0, nil
	}

	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformedControl, key, raw)
	}
	return seq, nil
}
