package gwevent

import "testing"

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(MessageCreate, map[string]string{"id": "abc"})

	if env.V != EnvelopeVersion {
		t.Fatalf("expected version %d, got %d", EnvelopeVersion, env.V)
	}
	if env.T != MessageCreate {
		t.Fatalf("expected type %s, got %s", MessageCreate, env.T)
	}
	if env.D == nil {
		t.Fatal("expected non-nil data")
	}
}
