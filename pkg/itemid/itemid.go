// Package itemid asks a vision-language model what the largest object in a
// photo is, roughly how much it weighs and which waste class it belongs to.
package itemid

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/ecobin/wastesort/pkg/client"
	"github.com/ecobin/wastesort/pkg/processing"
	"github.com/ecobin/wastesort/pkg/types"
)

// ConnectionPrompt is a text-only probe for TestConnection
const ConnectionPrompt = "Hello! Please respond with just 'OK' if you can read this."

const promptTemplate = `Analyze this image and identify the largest/main object visible.

Instructions:
1. Identify the most prominent/largest object
2. Determine what type of item it is (e.g., apple, bottle, can)
3. Estimate the weight of that specific object in grams based on typical sizes
4. Focus on waste/recyclable items if multiple objects are present
5. Pick the waste category that fits best from: %s

Return ONLY a valid JSON object in this exact format:
{"item": "object_name", "weight_in_grams": number, "category": "one of the categories"}

Examples:
- For a plastic water bottle: {"item": "plastic bottle", "weight_in_grams": 25, "category": "recyclable"}
- For an apple: {"item": "apple", "weight_in_grams": 180, "category": "organic"}

Do not include any explanation, only return the JSON object.`

// Prompt builds the identification prompt for a class set
func Prompt(classes types.ClassSet) string {
	return fmt.Sprintf(promptTemplate, strings.Join(classes, ", "))
}

// Identifier sends images to one model through a vision client
type Identifier struct {
	client    client.VisionClient
	model     string
	classes   types.ClassSet
	processor *processing.Processor
	// MaxDim bounds the longest side of the uploaded image
	MaxDim  int
	Quality int
}

// New creates an identifier for the given model and class set
func New(c client.VisionClient, model string, classes types.ClassSet) *Identifier {
	return &Identifier{
		client:    c,
		model:     model,
		classes:   classes,
		processor: processing.NewProcessor(),
		MaxDim:    1024,
		Quality:   85,
	}
}

// Identify describes the largest object in img. Transport failures are
// returned as errors; an unusable reply yields the fallback report.
func (d *Identifier) Identify(ctx context.Context, img image.Image) (types.ItemReport, error) {
	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.MaxDim, d.Quality)
	if err != nil {
		return types.ItemReport{}, fmt.Errorf("failed to encode image: %w", err)
	}
	raw, err := d.client.Query(ctx, d.model, Prompt(d.classes), imgB64)
	if err != nil {
		return types.ItemReport{}, fmt.Errorf("failed to analyze image: %w", err)
	}
	return ParseReport(raw, d.classes), nil
}

// IdentifyFile loads a file or URL and identifies it
func (d *Identifier) IdentifyFile(ctx context.Context, source string) (types.ItemReport, error) {
	img, err := d.processor.LoadImageSmart(source)
	if err != nil {
		return types.ItemReport{}, err
	}
	return d.Identify(ctx, img)
}

// TestConnection reports whether the backend answers a text-only probe
func (d *Identifier) TestConnection(ctx context.Context) (bool, error) {
	reply, err := d.client.Query(ctx, d.model, ConnectionPrompt, "")
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(reply), "ok"), nil
}

type rawReport struct {
	Item        string   `json:"item"`
	WeightGrams *float64 `json:"weight_in_grams"`
	Category    string   `json:"category"`
}

// ParseReport extracts the item report from a model reply. Replies without
// an item name or a non-negative numeric weight yield FallbackItem. A
// category outside classes is dropped.
func ParseReport(raw string, classes types.ClassSet) types.ItemReport {
	var r rawReport
	if err := json.Unmarshal([]byte(sanitizeModelJSON(raw)), &r); err != nil {
		return types.FallbackItem()
	}
	item := strings.TrimSpace(r.Item)
	if item == "" || r.WeightGrams == nil || *r.WeightGrams < 0 {
		return types.FallbackItem()
	}

	report := types.ItemReport{Item: item, WeightGrams: *r.WeightGrams}
	category := strings.ToLower(strings.TrimSpace(r.Category))
	if classes.Index(category) >= 0 {
		report.Category = category
	}
	return report
}

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments and trailing commas and
// keeps only the outermost {...}
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
