package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildTime(t *testing.T) {
	tests := []struct {
		buildTime string
		want      string
	}{
		{"unknown", "unknown"},
		{"2025-03-01T10:20:30Z", "Sat Mar 1 10:20:30 2025"},
		{"yesterday", "yesterday"},
	}
	orig := BuildTime
	defer func() { BuildTime = orig }()

	for _, tt := range tests {
		BuildTime = tt.buildTime
		assert.Equal(t, tt.want, formatBuildTime())
	}
}

func TestUserAgent(t *testing.T) {
	assert.Contains(t, UserAgent(), "mirror-cli/"+Version)
}
