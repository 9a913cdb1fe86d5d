package wire

import (
	"encoding/json"
	"sort"
)

// Outbound control actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionInitialData = "get_initial_data"
	ActionPing        = "ping"
)

type controlFrame struct {
	Action     string   `json:"action"`
	Type       string   `json:"type,omitempty"`
	VehicleIDs []string `json:"vehicleIds,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
}

func encodeControl(f controlFrame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// controlFrame has no unmarshalable fields
		panic(err)
	}
	return b
}

// EncodeSubscribe builds a subscribe frame. IDs are sorted so that
// replayed frames are stable across reconnects.
func EncodeSubscribe(subType string, ids []string) []byte {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return encodeControl(controlFrame{Action: ActionSubscribe, Type: subType, VehicleIDs: sorted})
}

func EncodeUnsubscribe(subType string, ids []string) []byte {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return encodeControl(controlFrame{Action: ActionUnsubscribe, Type: subType, VehicleIDs: sorted})
}

func EncodeInitialData() []byte {
	return encodeControl(controlFrame{Action: ActionInitialData})
}

func EncodePing(unixMilli int64) []byte {
	return encodeControl(controlFrame{Action: ActionPing, Timestamp: unixMilli})
}

// PongFrameSize is the exact length of the binary heartbeat reply.
const PongFrameSize = 8

var pongSentinel = [PongFrameSize]byte{0xA5, 'P', 'O', 'N', 'G', 0x00, 0x00, 0xA5}

// PongFrame returns a fresh copy of the sentinel frame.
func PongFrame() []byte {
	f := pongSentinel
	return f[:]
}

// IsPong reports whether a binary frame is the heartbeat reply. Pong
// frames are consumed by the transport and never surfaced as data.
func IsPong(frame []byte) bool {
	if len(frame) != PongFrameSize {
		return false
	}
	return [PongFrameSize]byte(frame) == pongSentinel
}
