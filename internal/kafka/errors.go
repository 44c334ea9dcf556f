package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrFatal marks unrecoverable transport failures: authentication refusal,
// permanent broker rejection, a closed client. The caller must destroy the
// producer or consumer.
var ErrFatal = errors.New("kafka: fatal transport error")

// ErrTransient marks recoverable transport failures: disconnects, broker
// unavailability, timeouts. The client is marked disconnected and the next
// operation retries with bounded backoff.
var ErrTransient = errors.New("kafka: transient transport error")

// ErrSkipped reports that the producer refused to emit an out-of-alignment
// sync. Not a failure; the next aligned view will emit normally.
var ErrSkipped = errors.New("kafka: emission skipped awaiting sync alignment")

// classify wraps a transport error as fatal or transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kgo.ErrClientClosed) {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		switch ke.Code {
		case kerr.SaslAuthenticationFailed.Code,
			kerr.TopicAuthorizationFailed.Code,
			kerr.GroupAuthorizationFailed.Code,
			kerr.ClusterAuthorizationFailed.Code,
			kerr.InvalidTopicException.Code,
			kerr.UnsupportedVersion.Code:
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
		if !ke.Retriable {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Reconnect backoff: start 10s, double each attempt, cap 180s, give up
// after 10 retries.
const (
	backoffStart   = 10 * time.Second
	backoffFactor  = 2
	backoffCap     = 180 * time.Second
	backoffRetries = 10
)

type backoff struct {
	attempt int
}

// next returns the delay before the coming retry, or false when the retry
// budget is spent.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= backoffRetries {
		return 0, false
	}
	d := backoffStart
	for i := 0; i < b.attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	b.attempt++
	return d, true
}

func (b *backoff) reset() {
	b.attempt = 0
}
