package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/pkg/bus"
)

func TestStreamEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: inbound_delivered\ndata: {\"type\":\"inbound_delivered\",\"channel\":\"vk\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "event: dispatch_failed\ndata: {\"type\":\"dispatch_failed\",\"channel\":\"telegram\",\"error\":\"boom\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	_, err := streamEvents(ctx, srv.Client(), srv.URL, "wrong")
	require.ErrorContains(t, err, "status 403")

	events, err := streamEvents(ctx, srv.Client(), srv.URL+"/", "tok")
	require.NoError(t, err)

	var got []bus.Event
	for event := range events {
		got = append(got, event)
	}

	require.Len(t, got, 2)
	require.Equal(t, bus.EventInboundDelivered, got[0].Type)
	require.Equal(t, "vk", got[0].Channel)
	require.Equal(t, bus.EventDispatchFailed, got[1].Type)
	require.Equal(t, "boom", got[1].Error)
}
