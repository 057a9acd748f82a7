package config

import (
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TRACKD_TEST_BUCKET", "runs")
	t.Setenv("TRACKD_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "path: s3://${TRACKD_TEST_BUCKET}/p", "path: s3://runs/p"},
		{"unset", "value: ${TRACKD_TEST_UNSET_12345}", "value: "},
		{"default when unset", "value: ${TRACKD_TEST_UNSET_12345:-fs}", "value: fs"},
		{"default ignored when set", "value: ${TRACKD_TEST_BUCKET:-other}", "value: runs"},
		{"default when empty", "value: ${TRACKD_TEST_EMPTY:-fs}", "value: fs"},
		{"multiple", "${TRACKD_TEST_BUCKET}:${TRACKD_TEST_BUCKET}", "runs:runs"},
		{"no refs", "no variables here", "no variables here"},
		{"escaped", "secret: pa$$word", "secret: pa$word"},
		{"escaped ref", "literal: $${TRACKD_TEST_BUCKET}", "literal: ${TRACKD_TEST_BUCKET}"},
		{"bare dollar", "cost: $5", "cost: $5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandWith_AdapterSecretInYAML(t *testing.T) {
	env := map[string]string{"HOOK_URL": "https://hooks.example/run", "HOOK_SECRET": "s3cr3t"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	input := `adapter:
  type: webhook
  url: ${HOOK_URL}
  secret: ${HOOK_SECRET}
  timeout: ${HOOK_TIMEOUT:-10s}`

	want := `adapter:
  type: webhook
  url: https://hooks.example/run
  secret: s3cr3t
  timeout: 10s`

	if got := expandWith(input, lookup); got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}
