// Package bus multiplexes logical topic subscriptions over a fixed pair of
// broker connections. One actor loop owns publishing, another owns the
// subscription table and message fan-out; callers talk to both through
// bounded queues only.
package bus

// Message pairs a topic with an opaque payload. The bus never interprets
// either; serialization is the producer's concern.
type Message struct {
	Topic   string
	Payload []byte
}
