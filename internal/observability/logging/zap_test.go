package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		want    zapcore.Level
		wantErr bool
	}{
		{"info", "json", zapcore.InfoLevel, false},
		{"debug", "console", zapcore.DebugLevel, false},
		{"", "json", zapcore.InfoLevel, false},
		{"WARN", "json", zapcore.WarnLevel, false},
		{"chatty", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level %s should be disabled", tt.want-1)
			}
		})
	}
}

func TestMustFallsBack(t *testing.T) {
	if Must("chatty", "json") == nil {
		t.Fatal("Must() returned nil")
	}
}
