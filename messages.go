package main

import (
	"github.com/pogpog/mash-game/internal/mash"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // see action* constants
	Classic  *bool  `json:"classic,omitempty"`  // set_mode
	Category *int   `json:"category,omitempty"` // edit_option
	Option   *int   `json:"option,omitempty"`   // edit_option
	Value    string `json:"value,omitempty"`    // edit_option
	Theme    string `json:"theme,omitempty"`    // set_theme
	Platform string `json:"platform,omitempty"` // set_platform
	APIKey   string `json:"api_key,omitempty"`  // set_api_key
}

const (
	actionSetMode          = "set_mode"
	actionEditOption       = "edit_option"
	actionSetTheme         = "set_theme"
	actionSetPlatform      = "set_platform"
	actionSetAPIKey        = "set_api_key"
	actionFetchMagicNumber = "fetch_magic_number"
	actionGenerate         = "generate"
	actionPlay             = "play"
)

// StateMessage is a full snapshot of the game view, sent after every change.
// The api key itself is never sent back out.
type StateMessage struct {
	Type                string          `json:"type"` // "state"
	Classic             bool            `json:"classic"`
	Platform            mash.Platform   `json:"platform"`
	Theme               string          `json:"theme"`
	APIKeySet           bool            `json:"api_key_set"`
	Categories          []mash.Category `json:"categories"`
	MagicNumber         *int            `json:"magic_number,omitempty"`
	Results             mash.Results    `json:"results,omitempty"`
	CanFetchMagicNumber bool            `json:"can_fetch_magic_number"`
	CanPlay             bool            `json:"can_play"`
}

func newStateMessage(s mash.State) StateMessage {
	s = s.Clone()

	categories := s.Categories
	if categories == nil {
		categories = []mash.Category{}
	}

	return StateMessage{
		Type:                "state",
		Classic:             s.Classic,
		Platform:            s.Platform,
		Theme:               s.Theme,
		APIKeySet:           s.APIKey != "",
		Categories:          categories,
		MagicNumber:         s.MagicNumber,
		Results:             s.Results,
		CanFetchMagicNumber: s.CanFetchMagicNumber(),
		CanPlay:             s.CanPlay(),
	}
}

// AlertMessage is shown to a single client as a blocking notice.
type AlertMessage struct {
	Type    string `json:"type"` // "alert"
	Message string `json:"message"`
}
