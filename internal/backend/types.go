package backend

import (
	"fmt"

	"github.com/pogpog/mash-game/internal/mash"
)

// GenerateRequest is the body of POST /api/generate_options.
type GenerateRequest struct {
	Theme    string        `json:"theme"`
	Platform mash.Platform `json:"platform"`
	APIKey   string        `json:"apiKey"`
}

// PlayRequest is the body of POST /api/play.
type PlayRequest struct {
	Categories  []mash.Category `json:"categories"`
	MagicNumber int             `json:"magic_number"`
}

type magicNumberResponse struct {
	MagicNumber *int `json:"magic_number"`
}

type generateResponse struct {
	Options []string `json:"options"`
}

// APIError is returned for any non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Detail)
}
