package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType 区分即时消息与延时消息。
type MessageType string

const (
	MessageTimely MessageType = "TIMELY"
	MessageDelay  MessageType = "DELAY"
)

// Envelope 为总线内流转的消息信封。
// RequestID 在同一逻辑消息的所有重投中保持不变；DeliverCount 只增不减。
type Envelope struct {
	RequestID      string            `json:"requestId"`
	ServiceID      string            `json:"serviceId"`
	Code           string            `json:"code"`
	Type           MessageType       `json:"type"`
	Body           []byte            `json:"body"`
	DeliverID      string            `json:"deliverId,omitempty"`
	DeliverCount   int               `json:"deliverCount"`
	PollingCount   int               `json:"pollingCount"`
	FailRetryCount int               `json:"failRetryCount"`
	DelayTime      int64             `json:"delayTime"`
	ToDelay        bool              `json:"toDelay,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	// Timestamp 最近一次发送时间（毫秒），用于计算 $intervalTime
	Timestamp int64 `json:"timestamp"`
}

func newEnvelope(serviceID, code string, typ MessageType, body []byte) *Envelope {
	return &Envelope{
		RequestID:    uuid.NewString(),
		ServiceID:    serviceID,
		Code:         code,
		Type:         typ,
		Body:         body,
		DeliverCount: 1,
		Headers:      map[string]string{},
		Timestamp:    time.Now().UnixMilli(),
	}
}

// Clone 深拷贝 Headers 与 Body，重投时使用，避免与正在执行的监听器共享可变状态。
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = copyHeaders(e.Headers)
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Delay 返回 DelayTime 对应的时长。
func (e *Envelope) Delay() time.Duration { return time.Duration(e.DelayTime) * time.Second }

func encodeEnvelope(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.RequestID, err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.RequestID == "" {
		return nil, fmt.Errorf("decode envelope: missing requestId")
	}
	if e.DeliverCount < 1 {
		e.DeliverCount = 1
	}
	return &e, nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}
