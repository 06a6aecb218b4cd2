package itemid

import (
	"context"
	"encoding/base64"
	"errors"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/ecobin/wastesort/pkg/types"
)

var classes = types.ClassSet(types.DefaultClasses)

func TestParseReport(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want types.ItemReport
	}{
		{
			name: "plain json",
			raw:  `{"item": "plastic bottle", "weight_in_grams": 25, "category": "recyclable"}`,
			want: types.ItemReport{Item: "plastic bottle", WeightGrams: 25, Category: "recyclable"},
		},
		{
			name: "code fence and prose",
			raw:  "```json\n{\"item\": \"apple\", \"weight_in_grams\": 180.5, \"category\": \"Organic\"}\n```",
			want: types.ItemReport{Item: "apple", WeightGrams: 180.5, Category: "organic"},
		},
		{
			name: "comments and trailing comma",
			raw: `Here you go: {
				// the can in the middle
				"item": "aluminum can", /* light */
				"weight_in_grams": 15,
			}`,
			want: types.ItemReport{Item: "aluminum can", WeightGrams: 15},
		},
		{
			name: "unknown category is dropped",
			raw:  `{"item": "battery", "weight_in_grams": 23, "category": "electronics"}`,
			want: types.ItemReport{Item: "battery", WeightGrams: 23},
		},
		{
			name: "no json",
			raw:  "I see a banana on a table.",
			want: types.FallbackItem(),
		},
		{
			name: "missing weight",
			raw:  `{"item": "banana"}`,
			want: types.FallbackItem(),
		},
		{
			name: "weight is a string",
			raw:  `{"item": "banana", "weight_in_grams": "120"}`,
			want: types.FallbackItem(),
		},
		{
			name: "empty item",
			raw:  `{"item": " ", "weight_in_grams": 10}`,
			want: types.FallbackItem(),
		},
		{
			name: "negative weight",
			raw:  `{"item": "cup", "weight_in_grams": -4}`,
			want: types.FallbackItem(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseReport(tt.raw, classes); got != tt.want {
				t.Errorf("ParseReport() = %+v; want %+v", got, tt.want)
			}
		})
	}
}

func TestFallbackValues(t *testing.T) {
	got := ParseReport("", classes)
	if got.Item != "unidentified object" || got.WeightGrams != 50 || !got.Fallback {
		t.Errorf("fallback = %+v", got)
	}
}

func TestPromptListsClasses(t *testing.T) {
	p := Prompt(classes)
	if !strings.Contains(p, "hazardous, organic, recyclable") {
		t.Error("prompt does not list the class set")
	}
	if !strings.Contains(p, `"weight_in_grams"`) {
		t.Error("prompt does not describe the reply shape")
	}
}

type fakeClient struct {
	reply  string
	err    error
	prompt string
	image  string
}

func (f *fakeClient) Query(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.prompt = prompt
	f.image = imgB64
	return f.reply, f.err
}

func TestIdentify(t *testing.T) {
	fc := &fakeClient{reply: `{"item":"glass jar","weight_in_grams":200,"category":"recyclable"}`}
	id := New(fc, "llava", classes)
	id.MaxDim = 32

	img := imaging.New(100, 50, color.NRGBA{90, 120, 30, 255})
	r, err := id.Identify(context.Background(), img)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if r.Item != "glass jar" || r.Category != "recyclable" {
		t.Errorf("report = %+v", r)
	}

	data, err := base64.StdEncoding.DecodeString(fc.image)
	if err != nil {
		t.Fatalf("image is not base64: %v", err)
	}
	if len(data) < 3 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("image is not a JPEG")
	}
	if fc.prompt != Prompt(classes) {
		t.Error("unexpected prompt")
	}
}

func TestIdentifyTransportError(t *testing.T) {
	id := New(&fakeClient{err: errors.New("connection refused")}, "llava", classes)
	if _, err := id.Identify(context.Background(), imaging.New(8, 8, color.Black)); err == nil {
		t.Error("Expected transport error")
	}
}

func TestTestConnection(t *testing.T) {
	fc := &fakeClient{reply: "OK"}
	ok, err := New(fc, "llava", classes).TestConnection(context.Background())
	if err != nil || !ok {
		t.Errorf("TestConnection = %v, %v", ok, err)
	}
	if fc.image != "" {
		t.Error("connection probe should not send an image")
	}

	fc.reply = "I cannot help"
	if ok, _ := New(fc, "llava", classes).TestConnection(context.Background()); ok {
		t.Error("unexpected success")
	}
}

func TestLastSeen(t *testing.T) {
	var c LastSeen
	r := types.ItemReport{Item: "apple", WeightGrams: 180}
	if c.IsDuplicate(r) {
		t.Error("empty cache reported a duplicate")
	}
	c.Record(r)
	if !c.IsDuplicate(r) {
		t.Error("same report not detected")
	}
	if c.IsDuplicate(types.ItemReport{Item: "apple", WeightGrams: 150}) {
		t.Error("different weight reported as duplicate")
	}
	c.Record(types.ItemReport{Item: "banana", WeightGrams: 120})
	if c.IsDuplicate(r) {
		t.Error("older report still treated as the latest")
	}
}
