package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"
)

type mockModels struct {
	GenerateContentFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.GenerateContentFunc(ctx, model, contents, config)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func conflict() (domain.Transaction, detector.Result) {
	date := civil.Date{Year: 2024, Month: time.March, Day: 15}
	tx := domain.Transaction{
		CompanyID:       "c-1",
		Bank:            "bbva",
		AccountNumber:   "0001",
		Concept:         "PAGO NOMINA",
		Amount:          decimal.RequireFromString("-1000"),
		TransactionDate: date,
		Checksum:        "B",
	}
	res := detector.Result{
		Status: detector.StatusConflict,
		Reason: detector.ReasonEnrichedConcept,
		Conflicts: []detector.Conflict{{
			ID:              "A",
			Concept:         "PAGO NOM",
			Amount:          decimal.RequireFromString("-1000"),
			TransactionDate: date,
			Metrics:         similarity.Compare("PAGO NOM", "PAGO NOMINA"),
		}},
	}
	return tx, res
}

func TestParseReview(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Review
		wantErr bool
	}{
		{
			name: "plain",
			text: "CLASSIFICATION: update\nREASON: The concept was completed.",
			want: Review{Classification: "update", Reason: "The concept was completed."},
		},
		{
			name: "markdown and preamble",
			text: "Here is my answer:\n**CLASSIFICATION:** Duplicate\n**REASON:** Same amount and date.\n",
			want: Review{Classification: "duplicate", Reason: "Same amount and date."},
		},
		{
			name: "missing reason",
			text: "CLASSIFICATION: distinct",
			want: Review{Classification: "distinct"},
		},
		{
			name:    "no classification",
			text:    "I cannot decide.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReview(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedReview) {
					t.Errorf("ParseReview() error = %v, want ErrMalformedReview", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReview() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseReview() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	tx, res := conflict()
	prompt := BuildPrompt(tx, res)
	for _, want := range []string{"CLASSIFICATION:", "enriched_concept", `concept="PAGO NOMINA"`, `id="A"`, "amount=-1000.00", "levenshtein=3"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestClassifier_Review(t *testing.T) {
	tx, res := conflict()
	models := &mockModels{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			if model != DefaultModelName {
				t.Errorf("model = %q", model)
			}
			if len(contents) != 1 || contents[0].Role != "user" || !strings.Contains(contents[0].Parts[0].Text, "PAGO NOM") {
				t.Errorf("unexpected contents: %+v", contents)
			}
			return textResponse("CLASSIFICATION: update\nREASON: enriched concept"), nil
		},
	}

	review, err := newClassifier(models, "").Review(context.Background(), tx, res)
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if review.Classification != "update" || review.Reason != "enriched concept" {
		t.Errorf("Review() = %+v", review)
	}
}

func TestClassifier_ReviewErrors(t *testing.T) {
	tx, res := conflict()
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		err  error
	}{
		{"model error", nil, errors.New("quota exceeded")},
		{"empty answer", textResponse(""), nil},
		{"malformed answer", textResponse("no idea"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := &mockModels{
				GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
					return tt.resp, tt.err
				},
			}
			if _, err := newClassifier(models, "gemini-test").Review(context.Background(), tx, res); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
