package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	pid := uuid.New()
	url := "https://x.test"
	ev := Event{
		ProjectID: pid,
		Type:      TypeDeployStatusUpdate,
		Payload:   DeployStatusUpdate{Status: "ready", Phase: "success", URL: &url},
		Exclude:   "sess-1",
		Target:    "sess-2",
	}

	body, err := encode(ev)
	require.NoError(t, err)

	got, err := decode(channelFor(pid), string(body))
	require.NoError(t, err)
	require.Equal(t, pid, got.ProjectID)
	require.Equal(t, TypeDeployStatusUpdate, got.Type)
	require.Equal(t, "sess-1", got.Exclude)
	require.Equal(t, "sess-2", got.Target)

	var payload DeployStatusUpdate
	require.NoError(t, json.Unmarshal(got.Payload.(json.RawMessage), &payload))
	require.Equal(t, "ready", payload.Status)
	require.Equal(t, url, *payload.URL)
}

func TestDecodeRejectsForeignChannel(t *testing.T) {
	_, err := decode("sitesync:room:not-a-uuid", `{"type":"x"}`)
	require.Error(t, err)
}

func TestOrigin(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "", Origin(ctx))
	require.Equal(t, "abc", Origin(WithOrigin(ctx, "abc")))
}
