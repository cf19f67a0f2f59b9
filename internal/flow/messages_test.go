package flow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMessagesDefaults(t *testing.T) {
	msgs, err := LoadMessages("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgs != DefaultMessages() {
		t.Errorf("expected default catalog for empty path")
	}
}

func TestLoadMessagesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.yaml")
	content := "greeting: \"Oi{name}, bem-vindo ao Salão Centro!\"\ngoodbye: \"Tchau!\"\nhelp: \"   \"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	msgs, err := LoadMessages(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := DefaultMessages()
	if msgs.Greeting != "Oi{name}, bem-vindo ao Salão Centro!" {
		t.Errorf("greeting not overridden: %q", msgs.Greeting)
	}
	if msgs.Goodbye != "Tchau!" {
		t.Errorf("goodbye not overridden: %q", msgs.Goodbye)
	}
	if msgs.Help != def.Help {
		t.Errorf("blank override must keep the default help text")
	}
	if msgs.ServiceMenu != def.ServiceMenu {
		t.Errorf("unset field must keep the default")
	}
}

func TestLoadMessagesErrors(t *testing.T) {
	if _, err := LoadMessages(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("greeting: [unterminated"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadMessages(path); err == nil {
		t.Errorf("expected parse error")
	}
}

func TestRender(t *testing.T) {
	got := render("{n}. {service} às {time}", "n", "1", "service", "Corte", "time", "10:00")
	if got != "1. Corte às 10:00" {
		t.Errorf("unexpected render result %q", got)
	}
	if render("sem placeholders") != "sem placeholders" {
		t.Errorf("render without pairs must return the template")
	}
}
