package engine

import (
	"bytes"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestSplitWords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want []word
	}{
		{
			name: "plain",
			line: "echo hello world",
			want: []word{{text: "echo"}, {text: "hello"}, {text: "world"}},
		},
		{
			name: "extra whitespace",
			line: "  echo \t hello  ",
			want: []word{{text: "echo"}, {text: "hello"}},
		},
		{
			name: "single quotes",
			line: `echo 'hello world'`,
			want: []word{{text: "echo"}, {text: "hello world", quoted: true}},
		},
		{
			name: "double quotes",
			line: `echo "a b"`,
			want: []word{{text: "echo"}, {text: "a b", quoted: true}},
		},
		{
			name: "escape inside double quotes",
			line: `echo "a \"b\""`,
			want: []word{{text: "echo"}, {text: `a "b"`, quoted: true}},
		},
		{
			name: "adjacent quoted and bare",
			line: `echo pre'mid'post`,
			want: []word{{text: "echo"}, {text: "premidpost"}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitWords(tt.line)
			if err != nil {
				t.Fatalf("splitWords(%q) error: %v", tt.line, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("splitWords(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestSplitWordsUnterminated(t *testing.T) {
	t.Parallel()
	for _, line := range []string{`echo 'open`, `echo "open`} {
		if _, err := splitWords(line); err == nil {
			t.Fatalf("splitWords(%q): expected error", line)
		}
	}
}

func TestBuildArgvExpansion(t *testing.T) {
	t.Parallel()
	env := map[string]string{"TARGET": "/srv/data", "USER": "ops"}

	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "unquoted expands",
			line: "rsync $TARGET",
			want: []string{"rsync", "/srv/data"},
		},
		{
			name: "braced form",
			line: "rsync ${TARGET}/x",
			want: []string{"rsync", "/srv/data/x"},
		},
		{
			name: "quoted stays verbatim",
			line: `echo '$TARGET' "$USER"`,
			want: []string{"echo", "$TARGET", "$USER"},
		},
		{
			name: "unknown var empties",
			line: "echo $NOPE",
			want: []string{"echo", ""},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgv(tt.line, env)
			if err != nil {
				t.Fatalf("BuildArgv(%q) error: %v", tt.line, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("BuildArgv(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestBuildArgvEmpty(t *testing.T) {
	t.Parallel()
	if _, err := BuildArgv("   ", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestComposeEnvLayering(t *testing.T) {
	t.Setenv("WARDEN_TEST_AMBIENT", "ambient")
	t.Setenv("WARDEN_TEST_SHADOWED", "old")

	list, m := ComposeEnv(map[string]string{
		"WARDEN_TEST_SHADOWED": "new",
		"WARDEN_TEST_EXTRA":    "extra",
	})

	if m["WARDEN_TEST_AMBIENT"] != "ambient" {
		t.Fatalf("ambient key lost: %q", m["WARDEN_TEST_AMBIENT"])
	}
	if m["WARDEN_TEST_SHADOWED"] != "new" {
		t.Fatalf("override did not shadow: %q", m["WARDEN_TEST_SHADOWED"])
	}
	if m["WARDEN_TEST_EXTRA"] != "extra" {
		t.Fatalf("override key missing: %q", m["WARDEN_TEST_EXTRA"])
	}

	joined := strings.Join(list, "\n")
	for _, want := range []string{"WARDEN_TEST_SHADOWED=new", "WARDEN_TEST_EXTRA=extra"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("list missing %q", want)
		}
	}
	if strings.Contains(joined, "WARDEN_TEST_SHADOWED=old") {
		t.Fatal("shadowed value leaked into list")
	}
}

func TestExecLauncherExitCode(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	l := NewExecLauncher()
	var buf bytes.Buffer
	h, err := l.Spawn(Command{
		Job:    "t",
		Line:   `/bin/sh -c "echo out; exit 3"`,
		Output: &buf,
	})
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	if h.PID() == 0 {
		t.Fatal("PID = 0 for a live process")
	}
	res := h.Wait()
	if res.Code != 3 || res.Success() {
		t.Fatalf("Wait = %+v, want exit 3", res)
	}
	if got := strings.TrimSpace(buf.String()); got != "out" {
		t.Fatalf("output = %q, want %q", got, "out")
	}
}

func TestExecLauncherSpawnFailure(t *testing.T) {
	t.Parallel()
	l := NewExecLauncher()
	if _, err := l.Spawn(Command{Job: "t", Line: "/no/such/binary-xyz"}); err == nil {
		t.Fatal("expected start error for missing binary")
	}
}
