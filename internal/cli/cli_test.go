package cli

import "testing"

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("at", "")
	if err != nil || got != nil {
		t.Fatalf("empty flag: got %v, %v", got, err)
	}

	got, err = parseTimeFlag("at", "2024-10-04T20:00:10Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Unix() != 1728072010 {
		t.Fatalf("unexpected unix time %d", got.Unix())
	}

	if _, err := parseTimeFlag("from", "yesterday"); err == nil {
		t.Fatal("expected error for invalid time")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "show", "export", "replay", "preview", "window", "migrate", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
	if versionCmd.Annotations[skipConfig] != "true" {
		t.Fatal("version must not require configuration")
	}
}
