package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("ROUTEFLOW_SECRET_BROKER_PASSWORD", "s3cret")

	p := NewEnvProvider("ROUTEFLOW_SECRET_")

	value, err := p.Get(context.Background(), "broker-password")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if value != "s3cret" {
		t.Errorf("Expected 's3cret', got '%s'", value)
	}

	_, err = p.Get(context.Background(), "missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestEncryptedProviderRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}

	dir := t.TempDir()
	p, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("NewEncryptedProvider returned error: %v", err)
	}

	ctx := context.Background()
	if err := p.Set(ctx, "mediation-token", "abc123"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	value, err := p.Get(ctx, "mediation-token")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if value != "abc123" {
		t.Errorf("Expected 'abc123', got '%s'", value)
	}

	// A fresh provider over the same directory must decrypt the value
	p2, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("NewEncryptedProvider (reload) returned error: %v", err)
	}
	value, err = p2.Get(ctx, "mediation-token")
	if err != nil {
		t.Fatalf("Get after reload returned error: %v", err)
	}
	if value != "abc123" {
		t.Errorf("Expected 'abc123' after reload, got '%s'", value)
	}

	if err := p2.Delete(ctx, "mediation-token"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := p2.Get(ctx, "mediation-token"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound after delete, got %v", err)
	}
}

func TestEncryptedProviderRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptedProvider("", t.TempDir()); err == nil {
		t.Error("Expected error for empty key")
	}
	if _, err := NewEncryptedProvider("dG9vc2hvcnQ=", t.TempDir()); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("ROUTEFLOW_SECRET_STOMP_PASSWORD", "hunter2")

	p := NewEnvProvider("ROUTEFLOW_SECRET_")
	ctx := context.Background()

	// Plain values pass through untouched
	value, err := Resolve(ctx, p, "admin")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "admin" {
		t.Errorf("Expected 'admin', got '%s'", value)
	}

	// References are dereferenced
	value, err = Resolve(ctx, p, "secret://stomp-password")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "hunter2" {
		t.Errorf("Expected 'hunter2', got '%s'", value)
	}

	// Missing references surface an error
	if _, err := Resolve(ctx, p, "secret://nope"); err == nil {
		t.Error("Expected error for missing secret reference")
	}
}

func TestNewProviderDefaultsToEnv(t *testing.T) {
	p, err := NewProvider(&Config{Provider: ProviderTypeEnv})
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	if p.Name() != "env" {
		t.Errorf("Expected env provider, got %s", p.Name())
	}
}
