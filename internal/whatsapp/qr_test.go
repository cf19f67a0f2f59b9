package whatsapp

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
)

func TestQRWriterLifecycle(t *testing.T) {
	q := QRWriter{Dir: t.TempDir()}

	ev := events.New(events.KindQR, "t1")
	ev.QRCode = "2@abc"
	require.NoError(t, q.Handle(ev))
	data, err := os.ReadFile(q.Path("t1"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	ev = events.New(events.KindPairingCode, "t1")
	ev.PairingCode = "ABCD-EFGH"
	require.NoError(t, q.Handle(ev))
	data, err = os.ReadFile(q.Path("t1"))
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH\n", string(data))

	require.NoError(t, q.Handle(events.New(events.KindConnected, "t1")))
	_, err = os.Stat(q.Path("t1"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, q.Handle(events.New(events.KindLoggedOut, "t1")), "removing a missing file is fine")
}

func TestQRWriterRun(t *testing.T) {
	q := QRWriter{Dir: t.TempDir()}
	ch := make(chan events.Event, 1)
	ev := events.New(events.KindPairingCode, "t2")
	ev.PairingCode = "1234-5678"
	ch <- ev
	close(ch)

	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
	_, err := os.Stat(q.Path("t2"))
	assert.NoError(t, err)
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	l := NewSlogLogger("Client", "info", "tenant", "t1").Sub("Socket")
	l.Debugf("hidden %d", 1)
	l.Infof("dialing %s", "web.whatsapp.com")
	l.Errorf("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "whatsmeow: dialing web.whatsapp.com")
	assert.Contains(t, out, "module=Client/Socket")
	assert.Contains(t, out, "tenant=t1")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}
