package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DeliveryError describes a failed outbound send. Permanent errors (unknown
// chat, bot blocked) are never retried.
type DeliveryError struct {
	Channel    string
	ChatID     string
	Permanent  bool
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	return fmt.Sprintf("%s delivery to chat %s failed (%s): %v", e.Channel, e.ChatID, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanentDelivery reports whether err is a permanent delivery failure.
func IsPermanentDelivery(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr) && deliveryErr.Permanent
}

// DeliverWithRetry calls send and retries once after delay when it fails with
// a non-permanent *DeliveryError or any other error. The returned error is the
// last attempt's.
func DeliverWithRetry(ctx context.Context, delay time.Duration, send func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), 1), ctx)

	return backoff.Retry(func() error {
		err := send(ctx)
		if err == nil {
			return nil
		}
		if IsPermanentDelivery(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
