package model

type RelayOp string

const (
	RelayPublish     RelayOp = "publish"
	RelaySubscribe   RelayOp = "subscribe"
	RelayUnsubscribe RelayOp = "unsubscribe"
	RelayDeliver     RelayOp = "deliver"
)

// RelayFrame is exchanged between a participant and the websocket relay.
type RelayFrame struct {
	Op    RelayOp `json:"op"`
	Topic string  `json:"topic"`
	Data  []byte  `json:"data,omitempty"`
}
