package messaging

import "github.com/segmentio/kafka-go"

// carrier adapts kafka message headers to the OTel TextMapCarrier
// interface so trace context survives the broker hop.
type carrier struct {
	msg *kafka.Message
}

func newCarrier(msg *kafka.Message) *carrier {
	return &carrier{msg: msg}
}

func (c *carrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *carrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{
		Key:   key,
		Value: []byte(value),
	})
}

func (c *carrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = h.Key
	}
	return keys
}
