package main

import (
	"context"
	"testing"

	"github.com/atriumhq/atrium/internal/config"
)

func TestBuildRootCmdIncludesServe(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatal("expected subcommand serve to be registered")
	}
}

func TestBuildDomainRejectsUnknown(t *testing.T) {
	_, _, _, err := buildDomain(context.Background(), "warehouse", &config.Config{})
	if err == nil {
		t.Fatal("expected an error for an unknown domain")
	}
}

func TestBuildDomainSupportUsesInMemoryDefault(t *testing.T) {
	regs, closeStore, seedStore, err := buildDomain(context.Background(), "support", &config.Config{})
	if err != nil {
		t.Fatalf("buildDomain: %v", err)
	}
	defer closeStore()

	if err := seedStore(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	names := map[string]bool{}
	for _, reg := range regs {
		names[reg.Tool.Descriptor().Name] = true
	}
	for _, want := range []string{"search_tickets", "list_tickets", "delete_ticket"} {
		if !names[want] {
			t.Errorf("support roster missing %s", want)
		}
	}
}
