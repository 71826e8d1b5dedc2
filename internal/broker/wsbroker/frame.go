package wsbroker

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Frame ops. Every frame carries an op; command frames (pub, sub, unsub)
// carry a request ID the server echoes back in its ack.
const (
	opHello = "hello"
	opPub   = "pub"
	opSub   = "sub"
	opUnsub = "unsub"
	opMsg   = "msg"
	opAck   = "ack"
)

// frame is the JSON wire envelope. Payload bytes travel base64-encoded per
// the standard JSON byte-slice convention.
type frame struct {
	Op      string `json:"op"`
	ID      uint64 `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Client  string `json:"client,omitempty"`
	Error   string `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Op, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Op == "" {
		return frame{}, fmt.Errorf("frame missing op")
	}
	return f, nil
}
