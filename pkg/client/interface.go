// Package client defines what a vision-language backend must offer
package client

import "context"

// VisionClient sends one prompt, optionally with a base64 JPEG, and returns
// the model's raw text reply. An empty imgB64 sends a text-only prompt.
type VisionClient interface {
	Query(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
