/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package mash holds the state of a single MASH game view and the pure
// transitions applied to it by user actions and backend responses.
package mash

import (
	"errors"
	"fmt"
)

const OptionsPerCategory = 3

var ErrOutOfRange = errors.New("index out of range")

type Platform string

const (
	PlatformHuggingFace Platform = "huggingface"
	PlatformGroq        Platform = "groq"
)

func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformHuggingFace, PlatformGroq:
		return p, nil
	}

	return "", fmt.Errorf("unknown platform %q (must be %q or %q)", s, PlatformHuggingFace, PlatformGroq)
}

// Category is one row of the board: a name and the options the player
// typed in for it.
type Category struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

func blankCategory(name string) Category {
	return Category{
		Name:    name,
		Options: make([]string, OptionsPerCategory),
	}
}

// ClassicCategories returns a fresh copy of the fixed classic template.
func ClassicCategories() []Category {
	return []Category{
		blankCategory("Spouse"),
		blankCategory("Number of kids"),
		blankCategory("Job"),
		blankCategory("Car"),
	}
}

// Result is the option the backend settled on for one category.
type Result struct {
	Category string `json:"category"`
	Option   string `json:"option"`
}

// Results keeps the order the backend reported them in.
type Results []Result

// State is everything one game view knows. Methods never modify the
// receiver; they return an updated copy.
type State struct {
	Categories  []Category
	MagicNumber *int
	Results     Results
	Theme       string
	Platform    Platform
	APIKey      string
	Classic     bool
}

// New returns the initial state: AI mode with no categories yet.
func New(platform Platform) State {
	return State{
		Categories: []Category{},
		Platform:   platform,
	}
}

func (s State) Clone() State {
	out := s

	if s.Categories != nil {
		out.Categories = make([]Category, len(s.Categories))
		for i, c := range s.Categories {
			out.Categories[i] = Category{
				Name:    c.Name,
				Options: append([]string(nil), c.Options...),
			}
		}
	}

	if s.MagicNumber != nil {
		n := *s.MagicNumber
		out.MagicNumber = &n
	}

	if s.Results != nil {
		out.Results = append(Results{}, s.Results...)
	}

	return out
}

// SetMode switches between classic and AI mode, discarding the current
// categories. Selecting the mode already in effect changes nothing.
func (s State) SetMode(classic bool) State {
	if classic == s.Classic {
		return s
	}

	out := s.Clone()
	out.Classic = classic

	if classic {
		out.Categories = ClassicCategories()
	} else {
		out.Categories = []Category{}
	}

	return out
}

func (s State) EditOption(category, option int, text string) (State, error) {
	if category < 0 || category >= len(s.Categories) {
		return s, fmt.Errorf("category %d: %w", category, ErrOutOfRange)
	}
	if option < 0 || option >= len(s.Categories[category].Options) {
		return s, fmt.Errorf("option %d of category %d: %w", option, category, ErrOutOfRange)
	}

	out := s.Clone()
	out.Categories[category].Options[option] = text

	return out, nil
}

func (s State) SetTheme(theme string) State {
	out := s.Clone()
	out.Theme = theme

	return out
}

func (s State) SetPlatform(p Platform) State {
	out := s.Clone()
	out.Platform = p

	return out
}

func (s State) SetAPIKey(key string) State {
	out := s.Clone()
	out.APIKey = key

	return out
}

// CanFetchMagicNumber reports whether a magic number may still be fetched.
// The number is issued once per session.
func (s State) CanFetchMagicNumber() bool {
	return s.MagicNumber == nil
}

func (s State) WithMagicNumber(n int) State {
	if !s.CanFetchMagicNumber() {
		return s
	}

	out := s.Clone()
	out.MagicNumber = &n

	return out
}

func (s State) CanGenerate() bool {
	return s.Theme != ""
}

// WithGenerated replaces the categories with one blank category per
// generated name and clears the theme input.
func (s State) WithGenerated(names []string) State {
	out := s.Clone()

	out.Categories = make([]Category, 0, len(names))
	for _, name := range names {
		out.Categories = append(out.Categories, blankCategory(name))
	}
	out.Theme = ""

	return out
}

// Filled reports whether every option of every category has been typed in.
func (s State) Filled() bool {
	for _, c := range s.Categories {
		for _, o := range c.Options {
			if o == "" {
				return false
			}
		}
	}

	return true
}

func (s State) CanPlay() bool {
	return s.MagicNumber != nil && s.Filled()
}

func (s State) WithResults(r Results) State {
	out := s.Clone()
	out.Results = append(Results{}, r...)

	return out
}
