package cli

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want CLIArgs
	}{
		{
			name: "default serve",
			args: nil,
			want: CLIArgs{Command: CommandServe, EnvFile: ".env"},
		},
		{
			name: "serve flags without command",
			args: []string{"-listen", "127.0.0.1:9000", "-insecure"},
			want: CLIArgs{Command: CommandServe, EnvFile: ".env", ListenAddr: "127.0.0.1:9000", Insecure: true},
		},
		{
			name: "send",
			args: []string{"send", "-batch", "race", "-tables", "-storage", "/tmp/r", "-env", ""},
			want: CLIArgs{Command: CommandSend, Batch: "race", Tables: true, StorageRoot: "/tmp/r"},
		},
		{
			name: "list",
			args: []string{"list"},
			want: CLIArgs{Command: CommandList, EnvFile: ".env"},
		},
		{
			name: "compare",
			args: []string{"compare", "-batch", "race", "-request", "0", "-g2", "2"},
			want: CLIArgs{Command: CommandCompare, EnvFile: ".env", Batch: "race", RequestID: "0", Group2: 2},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseArgs(tc.args)
			if err != nil {
				t.Fatalf("ParseArgs: %v", err)
			}
			got.RawArgs = nil
			if !reflect.DeepEqual(*got, tc.want) {
				t.Errorf("got %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestParseArgs_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"scan"}},
		{"send without batch", []string{"send"}},
		{"flag of other command", []string{"list", "-listen", "x"}},
		{"compare without request", []string{"compare", "-batch", "race"}},
		{"stray argument", []string{"serve", "extra"}},
	}
	for _, tc := range tests {
		if _, err := ParseArgs(tc.args); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	if _, err := ParseArgs([]string{"-h"}); !errors.Is(err, ErrHelp) {
		t.Errorf("-h: expected ErrHelp, got %v", err)
	}
}
