package llm

import (
	"testing"

	"google.golang.org/genai"

	"github.com/kadirpekel/mnemo/pkg/config"
)

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	_, err := NewGemini(&config.LLMProviderConfig{Type: "gemini", Model: "gemini-2.0-flash"})
	if err == nil {
		t.Fatal("NewGemini() expected error for missing API key")
	}
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]any{
		"type":        "object",
		"description": "search input",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "what to search for",
			},
			"limit": map[string]any{
				"type": "integer",
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []any{"a", "b"}},
			},
		},
		"required": []any{"query"},
	}

	s := toGenaiSchema(schema)

	if s.Type != genai.TypeObject {
		t.Errorf("Type = %v, want OBJECT", s.Type)
	}
	if s.Description != "search input" {
		t.Errorf("Description = %q", s.Description)
	}
	if len(s.Properties) != 3 {
		t.Fatalf("Properties = %d, want 3", len(s.Properties))
	}
	if s.Properties["query"].Type != genai.TypeString {
		t.Errorf("query type = %v, want STRING", s.Properties["query"].Type)
	}
	if s.Properties["limit"].Type != genai.TypeInteger {
		t.Errorf("limit type = %v, want INTEGER", s.Properties["limit"].Type)
	}
	tags := s.Properties["tags"]
	if tags.Type != genai.TypeArray || tags.Items == nil {
		t.Fatalf("tags = %+v, want array with items", tags)
	}
	if len(tags.Items.Enum) != 2 {
		t.Errorf("tags enum = %v, want [a b]", tags.Items.Enum)
	}
	if len(s.Required) != 1 || s.Required[0] != "query" {
		t.Errorf("Required = %v, want [query]", s.Required)
	}
}

func TestToGenaiSchema_Nil(t *testing.T) {
	if toGenaiSchema(nil) != nil {
		t.Error("toGenaiSchema(nil) should return nil")
	}
}

func TestFromGeminiFunctionCall_SynthesizesStableID(t *testing.T) {
	call := &genai.FunctionCall{Name: "lookup", Args: map[string]any{"key": "v"}}

	first := fromGeminiFunctionCall(call)
	second := fromGeminiFunctionCall(call)

	if first.ID == "" {
		t.Fatal("Expected synthesized ID for empty function call ID")
	}
	if first.ID != second.ID {
		t.Errorf("IDs differ for identical calls: %q vs %q", first.ID, second.ID)
	}

	other := fromGeminiFunctionCall(&genai.FunctionCall{Name: "lookup", Args: map[string]any{"key": "w"}})
	if other.ID == first.ID {
		t.Error("Different args should produce a different synthesized ID")
	}
}

func TestFromGeminiFunctionCall_KeepsProvidedID(t *testing.T) {
	call := fromGeminiFunctionCall(&genai.FunctionCall{ID: "fc_1", Name: "lookup"})
	if call.ID != "fc_1" {
		t.Errorf("ID = %q, want fc_1", call.ID)
	}
	if call.Args == nil {
		t.Error("Args should default to an empty map")
	}
}

func TestBuildGeminiContents(t *testing.T) {
	contents, system := buildGeminiContents([]Message{
		{Role: RoleSystem, Content: "be factual"},
		{Role: RoleUser, Content: "remind me"},
		{Role: RoleAssistant, Content: "checking", ToolCalls: []ToolCall{{ID: "fc_1", Name: "recall", Args: map[string]any{"topic": "diet"}}}},
		{Role: RoleTool, ToolCallID: "fc_1", ToolName: "recall", Content: "vegetarian"},
	})

	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "be factual" {
		t.Fatalf("System instruction = %+v, want extracted text", system)
	}

	if len(contents) != 3 {
		t.Fatalf("Contents = %d, want 3", len(contents))
	}

	if contents[0].Role != "user" || contents[0].Parts[0].Text != "remind me" {
		t.Errorf("Content 0 = %+v", contents[0])
	}

	assistant := contents[1]
	if assistant.Role != "model" {
		t.Errorf("Assistant role = %q, want model", assistant.Role)
	}
	if len(assistant.Parts) != 2 || assistant.Parts[1].FunctionCall == nil {
		t.Fatalf("Assistant parts = %+v, want text + function call", assistant.Parts)
	}
	if assistant.Parts[1].FunctionCall.Name != "recall" {
		t.Errorf("FunctionCall = %+v", assistant.Parts[1].FunctionCall)
	}

	toolTurn := contents[2]
	if toolTurn.Role != "user" || toolTurn.Parts[0].FunctionResponse == nil {
		t.Fatalf("Tool turn = %+v, want user function response", toolTurn)
	}
	fr := toolTurn.Parts[0].FunctionResponse
	if fr.ID != "fc_1" || fr.Name != "recall" {
		t.Errorf("FunctionResponse = %+v", fr)
	}
	if fr.Response["result"] != "vegetarian" {
		t.Errorf("Response = %v, want result=vegetarian", fr.Response)
	}
}

func TestBuildGeminiContents_ImageParts(t *testing.T) {
	pngBytes := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}

	contents, _ := buildGeminiContents([]Message{
		{Role: RoleUser, Content: "what is this", Image: &Image{Bytes: pngBytes}},
		{Role: RoleUser, Content: "and this", Image: &Image{URI: "gs://bucket/cat.jpg", MimeType: "image/jpeg"}},
	})

	if len(contents) != 2 {
		t.Fatalf("Contents = %d, want 2", len(contents))
	}

	inline := contents[0].Parts[1].InlineData
	if inline == nil || inline.MIMEType != "image/png" {
		t.Errorf("InlineData = %+v, want sniffed png", inline)
	}

	fileData := contents[1].Parts[1].FileData
	if fileData == nil || fileData.FileURI != "gs://bucket/cat.jpg" || fileData.MIMEType != "image/jpeg" {
		t.Errorf("FileData = %+v", fileData)
	}
}
