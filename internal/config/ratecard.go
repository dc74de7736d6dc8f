package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/digkill/sessiontimer/internal/models"
)

// Rates are per-minute prices for each session type.
type Rates struct {
	Video float64 `yaml:"video"`
	Audio float64 `yaml:"audio"`
	Chat  float64 `yaml:"chat"`
}

func (r Rates) For(t models.SessionType) float64 {
	switch t {
	case models.SessionVideo:
		return r.Video
	case models.SessionAudio:
		return r.Audio
	case models.SessionChat:
		return r.Chat
	}
	return 0
}

// RateCard holds fallback rates used when a creator record carries none.
//
//	default:
//	  video: 20
//	  audio: 10
//	  chat: 5
//	creators:
//	  creator-42:
//	    video: 30
type RateCard struct {
	Default  Rates            `yaml:"default"`
	Creators map[string]Rates `yaml:"creators"`
}

func LoadRateCard(path string) (RateCard, error) {
	if path == "" {
		return RateCard{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RateCard{}, fmt.Errorf("read rate card: %w", err)
	}
	var card RateCard
	if err := yaml.Unmarshal(data, &card); err != nil {
		return RateCard{}, fmt.Errorf("parse rate card %s: %w", path, err)
	}
	for id, rates := range card.Creators {
		if rates.Video < 0 || rates.Audio < 0 || rates.Chat < 0 {
			return RateCard{}, fmt.Errorf("rate card: negative rate for creator %s", id)
		}
	}
	if card.Default.Video < 0 || card.Default.Audio < 0 || card.Default.Chat < 0 {
		return RateCard{}, fmt.Errorf("rate card: negative default rate")
	}
	return card, nil
}

// Rate returns the creator override if set, else the default rate.
func (c RateCard) Rate(creatorID string, t models.SessionType) float64 {
	if rates, ok := c.Creators[creatorID]; ok {
		if rate := rates.For(t); rate > 0 {
			return rate
		}
	}
	return c.Default.For(t)
}
