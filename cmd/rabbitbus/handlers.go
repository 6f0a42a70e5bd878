package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/glimte/rabbitbus/messaging"
)

// maxFib is the largest n whose Fibonacci number fits in an int64.
const maxFib = 90

func fibCommand(_ context.Context, n int) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("n must not be negative, got %d", n)
	}
	if n > maxFib {
		return 0, fmt.Errorf("n must be at most %d, got %d", maxFib, n)
	}

	var a, b int64 = 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a, nil
}

func logEvent(w io.Writer) messaging.Handler {
	return func(_ context.Context, msg messaging.Message) error {
		_, err := fmt.Fprintf(w, "%s %s %s\n", msg.Timestamp.Format(time.RFC3339), msg.RoutingKey, msg.Payload)
		return err
	}
}
