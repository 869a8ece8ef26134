package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devloop/internal/proc"
	"devloop/internal/pubsub"
)

func TestFollowOutputPrefixesDependencyLines(t *testing.T) {
	bus := pubsub.NewBroker[proc.OutputLine]()
	var buf bytes.Buffer

	done := make(chan struct{})
	go func() {
		followOutput(context.Background(), bus, &buf)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(pubsub.OutputEvent, proc.OutputLine{Name: "engine", Line: "grpc server started"})
	bus.Publish(pubsub.OutputEvent, proc.OutputLine{Name: "app", Line: "listening on :8080"})
	bus.Publish(pubsub.OutputEvent, proc.OutputLine{Name: "sidecar", Line: "placement ready"})

	bus.Close()
	<-done

	out := buf.String()
	require.Contains(t, out, "[engine] grpc server started")
	require.Contains(t, out, "[sidecar] placement ready")
	require.NotContains(t, out, "listening on :8080", "app output streams directly, not through follow")
}
