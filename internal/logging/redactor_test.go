package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactorRedactsKeysAndValues(t *testing.T) {
	redactor := NewRedactor([]string{"vmid_token"})
	redactor.AddValues("root-pw-xyz789")

	input := `root_password=root-pw-xyz789 vmid_token="abc" {"root_password":"root-pw-xyz789"}`
	output := redactor.Redact(input)

	assert.NotContains(t, output, "root-pw-xyz789")
	assert.Contains(t, output, redactedValue)
}

func TestRedactorNilRedactor(t *testing.T) {
	var r *Redactor
	assert.Equal(t, "secret token value", r.Redact("secret token value"))
}

func TestRedactorEmptyInput(t *testing.T) {
	redactor := NewRedactor(nil)
	redactor.AddValues("secret123456")
	assert.Equal(t, "", redactor.Redact(""))
}

func TestRedactorDefaultKeysCoverSSHAndPVECredentials(t *testing.T) {
	redactor := NewRedactor(nil)

	tests := []struct {
		name  string
		input string
	}{
		{"api token", "api_token=PVEAPIToken=root@pam!id=secretvalue"},
		{"root password", "root_password=hunter2hunter2"},
		{"ssh password", "ssh_password=correcthorse"},
		{"credentials blob", `credentials="ZW5jcnlwdGVk"`},
		{"authorization header", "Authorization: Bearer abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := redactor.Redact(tt.input)
			assert.Contains(t, out, redactedValue)
		})
	}
}

func TestRedactorMultipleFormats(t *testing.T) {
	redactor := NewRedactor([]string{"password"})

	for _, input := range []string{
		`{"password":"secret123"}`,
		`password="secret123"`,
		`password='secret123'`,
		`password=secret123`,
		`password: secret123`,
		`PASSWORD=secret123`,
	} {
		out := redactor.Redact(input)
		assert.NotContains(t, out, "secret123")
		assert.Contains(t, out, redactedValue)
	}
}

func TestRedactorLeavesUnrelatedContentAlone(t *testing.T) {
	redactor := NewRedactor([]string{"root_password"})
	redactor.AddValues("sup3rsecretvalue")

	input := `pct exec 501 -- sh -c 'docker compose up -d' root_password=sup3rsecretvalue`
	output := redactor.Redact(input)

	assert.Contains(t, output, "pct exec 501 -- sh -c 'docker compose up -d'")
	assert.NotContains(t, output, "sup3rsecretvalue")
	assert.Equal(t, 1, strings.Count(output, redactedValue))
}
