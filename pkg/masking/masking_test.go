package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret(t *testing.T) {
	assert.Equal(t, "", Secret(""))
	assert.Equal(t, MaskedValue, Secret("short"))
	assert.Equal(t, "sk-abcde…wxyz", Secret("sk-abcdefghijklmnopqrstuvwxyz"))
}

func TestConfigMapMasksSecretKeys(t *testing.T) {
	in := map[string]any{
		"base_url": "https://api.example.com/v1",
		"api_key":  "sk-abcdefghijklmnopqrstuvwxyz",
		"nested": map[string]any{
			"token":    "tok-abcdefghijklmnopqrst",
			"password": "hunter2",
			"model":    "glm-4v-plus",
		},
		"retries": 3,
	}
	out := ConfigMap(in)

	assert.Equal(t, "https://api.example.com/v1", out["base_url"])
	assert.Equal(t, "sk-abcde…wxyz", out["api_key"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "tok-abcd…qrst", nested["token"])
	assert.Equal(t, MaskedValue, nested["password"])
	assert.Equal(t, "glm-4v-plus", nested["model"])
	assert.Equal(t, 3, out["retries"])

	// The input is untouched.
	assert.Equal(t, "sk-abcdefghijklmnopqrstuvwxyz", in["api_key"])
}
