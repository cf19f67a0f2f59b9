package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
)

// RenderQR draws a QR payload as half-block characters.
func RenderQR(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// QRWriter keeps one file per tenant holding its current challenge, so an
// operator can scan it from a terminal.
type QRWriter struct {
	Dir string
}

// Path returns the challenge file of tenantID.
func (q QRWriter) Path(tenantID string) string {
	return filepath.Join(q.Dir, tenantID+".qr.txt")
}

// Handle updates the challenge file for ev.
func (q QRWriter) Handle(ev events.Event) error {
	switch ev.Kind {
	case events.KindQR:
		return q.write(ev.TenantID, func(w io.Writer) { RenderQR(w, ev.QRCode) })
	case events.KindPairingCode:
		return q.write(ev.TenantID, func(w io.Writer) { fmt.Fprintln(w, ev.PairingCode) })
	case events.KindConnected, events.KindDisconnected, events.KindLoggedOut:
		err := os.Remove(q.Path(ev.TenantID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove QR file: %w", err)
		}
	}
	return nil
}

func (q QRWriter) write(tenantID string, render func(io.Writer)) error {
	if err := os.MkdirAll(q.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create QR directory: %w", err)
	}
	f, err := os.Create(q.Path(tenantID))
	if err != nil {
		return fmt.Errorf("failed to create QR file: %w", err)
	}
	defer f.Close()
	render(f)
	slog.Info("WhatsApp challenge written", "tenant", tenantID, "path", f.Name())
	return nil
}

// Run consumes events until ch closes or ctx ends.
func (q QRWriter) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := q.Handle(ev); err != nil {
				slog.Warn("WhatsApp QR writer failed", "tenant", ev.TenantID, "error", err)
			}
		}
	}
}
