package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Init(tt.level, "json")
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("global level = %s, want %s", got, tt.want)
			}
		})
	}
}
