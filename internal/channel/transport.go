package channel

import (
	"context"
	"fmt"
)

type (
	Transport interface {
		Publish(ctx context.Context, topic string, data []byte) error
		Subscribe(ctx context.Context, topic string) (Subscription, error)
	}

	// Subscription delivers raw payloads until Close is called or the
	// underlying connection ends, at which point Messages is closed.
	Subscription interface {
		Messages() <-chan []byte
		Close() error
	}
)

func InboxTopic(callID, participantID string) string {
	return fmt.Sprintf("callkey:%s:inbox:%s", callID, participantID)
}
