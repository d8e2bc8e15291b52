package main

import (
	"strings"
	"testing"
)

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "database-url") {
		t.Fatalf("expected a missing database url error, got %v", err)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", ":7000")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--port", ":7001", "--log-format", "json"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if got := cmd.Flag("port").Value.String(); got != ":7001" {
		t.Errorf("port = %q", got)
	}
	if got := cmd.Flag("log-format").Value.String(); got != "json" {
		t.Errorf("log-format = %q", got)
	}
}

func TestGenerateNodeID(t *testing.T) {
	a, b := generateNodeID(), generateNodeID()
	if a == "" || a == b {
		t.Fatalf("node ids must be unique, got %q and %q", a, b)
	}
}
