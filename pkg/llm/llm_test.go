package llm

import (
	"testing"
)

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "first"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleSystem, Content: "second"},
		{Role: RoleAssistant, Content: "hi"},
	})

	if system != "first\n\nsecond" {
		t.Errorf("system = %q, want joined system text", system)
	}
	if len(rest) != 2 {
		t.Fatalf("rest = %d messages, want 2", len(rest))
	}
	if rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest = %+v, want user then assistant", rest)
	}
}

func TestSplitSystem_NoSystemMessages(t *testing.T) {
	system, rest := splitSystem([]Message{{Role: RoleUser, Content: "hello"}})
	if system != "" {
		t.Errorf("system = %q, want empty", system)
	}
	if len(rest) != 1 {
		t.Errorf("rest = %d messages, want 1", len(rest))
	}
}

func TestOptions_NilSafe(t *testing.T) {
	var opts *Options

	if opts.toolChoice() != ToolChoiceAuto {
		t.Errorf("toolChoice() = %q, want auto for nil options", opts.toolChoice())
	}
	if opts.jsonOutput() {
		t.Error("jsonOutput() = true, want false for nil options")
	}

	opts = &Options{ToolChoice: ToolChoiceNone, JSONOutput: true}
	if opts.toolChoice() != ToolChoiceNone {
		t.Errorf("toolChoice() = %q, want none", opts.toolChoice())
	}
	if !opts.jsonOutput() {
		t.Error("jsonOutput() = false, want true")
	}
}

func TestToolCall_ArgsValid(t *testing.T) {
	tests := []struct {
		name string
		call ToolCall
		want bool
	}{
		{"parsed args", ToolCall{Args: map[string]any{"a": 1}}, true},
		{"empty parsed args", ToolCall{Args: map[string]any{}}, true},
		{"no args at all", ToolCall{}, true},
		{"unparseable args", ToolCall{RawArgs: `{"broken`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.call.ArgsValid(); got != tt.want {
				t.Errorf("ArgsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectImageMediaType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "image/jpeg"},
		{"gif", []byte("GIF89a\x00"), "image/gif"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0x00), "image/webp"},
		{"unknown", []byte{0x00, 0x01, 0x02, 0x03}, "image/jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectImageMediaType(tt.data); got != tt.want {
				t.Errorf("detectImageMediaType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImageMimeType_PrefersDeclared(t *testing.T) {
	img := &Image{Bytes: []byte{0x89, 0x50, 0x4E, 0x47}, MimeType: "image/webp"}
	if got := imageMimeType(img); got != "image/webp" {
		t.Errorf("imageMimeType() = %q, want declared type", got)
	}

	img = &Image{Bytes: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}
	if got := imageMimeType(img); got != "image/png" {
		t.Errorf("imageMimeType() = %q, want sniffed png", got)
	}
}
