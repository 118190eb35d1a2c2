package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDataSize(t *testing.T) {
	cases := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1KiB", 1024, false},
		{"2MB", 2_000_000, false},
		{"2MiB", 2 * 1024 * 1024, false},
		{"1.5GiB", 1610612736, false},
		{" 4 MB ", 4_000_000, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
		{"-5MB", 0, true},
	}
	for _, c := range cases {
		got, err := ParseDataSize(c.input)
		if c.wantErr {
			assert.Error(t, err, c.input)
		} else {
			assert.NoError(t, err, c.input)
			assert.Equal(t, c.want, got, c.input)
		}
	}
}

func TestParseDataSizeWithDefault(t *testing.T) {
	assert.Equal(t, int64(42), ParseDataSizeWithDefault("", 42))
	assert.Equal(t, int64(42), ParseDataSizeWithDefault("garbage", 42))
	assert.Equal(t, int64(1024), ParseDataSizeWithDefault("1K", 42))
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatDataSize(0))
	assert.Equal(t, "512 B", FormatDataSize(512))
	assert.Equal(t, "1.0 KB", FormatDataSize(1024))
	assert.Equal(t, "1.5 MB", FormatDataSize(1572864))
	assert.Equal(t, "invalid", FormatDataSize(-1))
}
