// Package llm asks a Gemini model to review detected conflicts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/keycodec"
	"google.golang.org/genai"
)

// DefaultModelName is the generation model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

// ErrMalformedReview is returned when the model answer lacks the expected lines.
var ErrMalformedReview = errors.New("malformed review")

// Review is the model's verdict on a conflict.
type Review struct {
	Classification string `json:"classification"`
	Reason         string `json:"reason"`
}

// contentGenerator is the part of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Classifier reviews conflicts with a generation model.
type Classifier struct {
	models contentGenerator
	model  string
}

// NewClassifier creates a GenAI client and wraps it in a Classifier.
func NewClassifier(ctx context.Context, model string) (*Classifier, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewClassifier: create genai client: %w", err)
	}
	return newClassifier(client.Models, model), nil
}

func newClassifier(models contentGenerator, model string) *Classifier {
	if model == "" {
		model = DefaultModelName
	}
	return &Classifier{models: models, model: model}
}

// Review sends the conflict summary of res to the model and parses its answer.
func (c *Classifier) Review(ctx context.Context, tx domain.Transaction, res detector.Result) (*Review, error) {
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: BuildPrompt(tx, res)}},
		},
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("Review: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("Review: empty response from model")
	}

	review, err := ParseReview(text)
	if err != nil {
		return nil, fmt.Errorf("Review: %w", err)
	}
	return review, nil
}

// BuildPrompt describes the new transaction and the first conflicting one.
func BuildPrompt(tx domain.Transaction, res detector.Result) string {
	var b strings.Builder
	b.WriteString(reviewInstructions)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Company: %s\nBank: %s\nAccount: %s\nDetection rule: %s\n\n",
		tx.CompanyID, tx.Bank, tx.AccountNumber, res.Reason)
	fmt.Fprintf(&b, "New transaction: id=%q concept=%q amount=%s date=%s\n",
		tx.Checksum, tx.Concept, keycodec.FormatAmount(tx.Amount), tx.TransactionDate)

	for i, c := range res.Conflicts {
		fmt.Fprintf(&b, "Stored transaction %d: id=%q concept=%q amount=%s date=%s levenshtein=%d cosine=%.3f jaro_winkler=%.3f\n",
			i+1, c.ID, c.Concept, keycodec.FormatAmount(c.Amount), c.TransactionDate,
			c.Metrics.EditDistance, c.Metrics.Cosine, c.Metrics.JaroWinkler)
	}
	return b.String()
}

const reviewInstructions = `You review potential duplicate bank transactions.
Decide whether the new transaction is an update (rectification or enrichment) of a stored one,
a genuine duplicate, or a distinct transaction.
Answer with exactly two lines:
CLASSIFICATION: <update|duplicate|distinct>
REASON: <one sentence>`

// ParseReview extracts the CLASSIFICATION and REASON lines from a model answer.
func ParseReview(text string) (*Review, error) {
	review := &Review{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "*` "))
		if v, ok := cutLabel(line, "CLASSIFICATION:"); ok && review.Classification == "" {
			review.Classification = strings.ToLower(v)
		}
		if v, ok := cutLabel(line, "REASON:"); ok && review.Reason == "" {
			review.Reason = v
		}
	}
	if review.Classification == "" {
		return nil, fmt.Errorf("%w: no CLASSIFICATION line", ErrMalformedReview)
	}
	return review, nil
}

func cutLabel(line, label string) (string, bool) {
	idx := strings.Index(strings.ToUpper(line), label)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(strings.Trim(line[idx+len(label):], "* ")), true
}
