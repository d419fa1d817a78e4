// Package extract sends OCR'd prescription text to a chat-completion model and
// normalizes the medicines it returns into medication entries.
//
// Extraction quality is the model's business.  This package only guarantees
// that whatever comes back is coerced into well-formed entries.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"pillminder/dbtypes"
	"pillminder/timeparse"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o-mini"

const promptTemplate = `
You are a medical text extractor for prescriptions written in English or Urdu (اردو).
Analyze the following prescription text and extract key details.

IMPORTANT RULES:
1. Return ONLY valid JSON (no markdown, no code blocks, no extra text)
2. If a field is missing or cannot be found, use null (not empty string, not undefined)
3. Extract all medicines mentioned in the prescription
4. Support both English and Urdu text - extract text in the original language
5. For timing: extract specific times (e.g., "8 AM", "9 PM", "after breakfast", "before sleep", "صبح", "شام")
6. For frequency: extract how often (e.g., "twice daily", "once a day", "every 8 hours", "دن میں دو بار", "روزانہ")
7. For duration: extract how long to take (e.g., "7 days", "2 weeks", "until finished", "سات دن", "دو ہفتے")
8. Preserve Urdu text as-is when extracting medicine names and instructions

Return this EXACT structure:
{
  "doctor_name": "string or null",
  "medicines": [
    {
      "name": "string or null",
      "dosage": "string or null",
      "timing": "string or null",
      "frequency": "string or null",
      "duration": "string or null",
      "instructions": "string or null",
      "time": "string or null"
    }
  ]
}

Prescription text:
"""
%s
"""
`

// Prompt returns the user message sent for ocrText.
func Prompt(ocrText string) string {
	return fmt.Sprintf(promptTemplate, ocrText)
}

type Extraction struct {
	DoctorName *string                   `json:"doctorName"`
	Medicines  []dbtypes.MedicationEntry `json:"medicines"`
}

// looseString accepts a JSON string, number, or boolean.  null and blank
// strings decode to nil.
type looseString struct {
	v *string
}

func (l *looseString) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		l.v = nil
	case string:
		l.v = dbtypes.Str(strings.TrimSpace(v))
	case float64, bool:
		l.v = dbtypes.Str(fmt.Sprint(v))
	default:
		return fmt.Errorf("unsupported JSON value %s", data)
	}
	return nil
}

// MedicineExtraction is one medicine as the model returned it.
type MedicineExtraction struct {
	Name         looseString `json:"name"`
	Dosage       looseString `json:"dosage"`
	Timing       looseString `json:"timing"`
	Frequency    looseString `json:"frequency"`
	Duration     looseString `json:"duration"`
	Instructions looseString `json:"instructions"`
	Instruction  looseString `json:"instruction"`
	Time         looseString `json:"time"`
}

type rawExtraction struct {
	DoctorName looseString          `json:"doctor_name"`
	Medicines  []MedicineExtraction `json:"medicines"`
}

func firstOf(ps ...*string) *string {
	for _, p := range ps {
		if p != nil {
			return p
		}
	}
	return nil
}

// Normalize converts one model medicine into an entry.  Frequency falls back to
// the timing text.  An explicit time is set only when the time (or timing)
// field carries a clock value that parses.
func Normalize(m MedicineExtraction) dbtypes.MedicationEntry {
	e := dbtypes.MedicationEntry{
		Name:          m.Name.v,
		Dosage:        m.Dosage.v,
		TimingText:    m.Timing.v,
		FrequencyText: firstOf(m.Frequency.v, m.Timing.v),
		DurationText:  m.Duration.v,
		Instructions:  firstOf(m.Instructions.v, m.Instruction.v),
	}

	if when := firstOf(m.Time.v, m.Timing.v); when != nil && timeparse.HasClock(*when) {
		if t, ok := timeparse.ParseTime(*when); ok {
			e.ExplicitTime = &t
		}
	}
	return e
}

// StripFences removes markdown code fences the model sometimes wraps JSON in.
func StripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")
	return strings.TrimSpace(raw)
}

// ParseResponse decodes a model response, repairing malformed JSON where
// possible.
func ParseResponse(raw string) (*Extraction, error) {
	cleaned := StripFences(raw)

	parsed := &rawExtraction{}
	if err := json.Unmarshal([]byte(cleaned), parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("while parsing model response: %w", err)
		}
		slog.Warn("Repaired malformed model response", slog.Any("err", err))

		parsed = &rawExtraction{}
		if err := json.Unmarshal([]byte(repaired), parsed); err != nil {
			return nil, fmt.Errorf("while parsing repaired model response: %w", err)
		}
	}

	out := &Extraction{
		DoctorName: parsed.DoctorName.v,
		Medicines:  []dbtypes.MedicationEntry{},
	}
	for _, m := range parsed.Medicines {
		out.Medicines = append(out.Medicines, Normalize(m))
	}
	return out, nil
}

// ChatCompleter is the part of *openai.Client used by Client.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	client ChatCompleter
	model  string
}

// New builds a Client for the OpenAI API.  An empty baseURL uses the default.
func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewWithCompleter(openai.NewClientWithConfig(config), model)
}

func NewWithCompleter(c ChatCompleter, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: c,
		model:  model,
	}
}

// Extract runs the extraction prompt over ocrText.  Blank input yields an empty
// extraction without calling the model.
func (c *Client) Extract(ctx context.Context, ocrText string) (*Extraction, error) {
	if strings.TrimSpace(ocrText) == "" {
		return &Extraction{Medicines: []dbtypes.MedicationEntry{}}, nil
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: Prompt(ocrText),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("while calling extraction model: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from extraction model")
	}

	return ParseResponse(resp.Choices[0].Message.Content)
}
