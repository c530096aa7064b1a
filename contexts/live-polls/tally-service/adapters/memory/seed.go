package memory

import (
	"fmt"
	"os"
	"strings"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"

	"gopkg.in/yaml.v3"
)

type pollsFile struct {
	Polls []pollRecord `yaml:"polls"`
}

type pollRecord struct {
	ID        string         `yaml:"id"`
	CreatorID string         `yaml:"creator_id"`
	Question  string         `yaml:"question"`
	ExpiresAt *time.Time     `yaml:"expires_at"`
	CreatedAt time.Time      `yaml:"created_at"`
	Options   []optionRecord `yaml:"options"`
}

type optionRecord struct {
	ID      string `yaml:"id"`
	Caption string `yaml:"caption"`
}

// LoadPollsFile reads poll definitions from a YAML document of the form
//
//	polls:
//	  - id: poll-1
//	    question: Lunch?
//	    options:
//	      - id: opt-1
//	        caption: Pizza
func LoadPollsFile(path string) ([]entities.Poll, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolls(raw)
}

func ParsePolls(raw []byte) ([]entities.Poll, error) {
	var doc pollsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse polls: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Polls))
	polls := make([]entities.Poll, 0, len(doc.Polls))
	for _, record := range doc.Polls {
		pollID := strings.TrimSpace(record.ID)
		if pollID == "" {
			return nil, fmt.Errorf("parse polls: poll without id")
		}
		if _, dup := seen[pollID]; dup {
			return nil, fmt.Errorf("parse polls: duplicate poll %q", pollID)
		}
		seen[pollID] = struct{}{}

		options := make([]entities.Option, 0, len(record.Options))
		optionIDs := make(map[string]struct{}, len(record.Options))
		for position, option := range record.Options {
			optionID := strings.TrimSpace(option.ID)
			if optionID == "" {
				return nil, fmt.Errorf("parse polls: poll %q has an option without id", pollID)
			}
			if _, dup := optionIDs[optionID]; dup {
				return nil, fmt.Errorf("parse polls: poll %q repeats option %q", pollID, optionID)
			}
			optionIDs[optionID] = struct{}{}
			options = append(options, entities.Option{
				OptionID: optionID,
				Caption:  option.Caption,
				Position: position,
			})
		}
		if len(options) == 0 {
			return nil, fmt.Errorf("parse polls: poll %q has no options", pollID)
		}

		createdAt := record.CreatedAt.UTC()
		if record.CreatedAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		polls = append(polls, entities.Poll{
			PollID:    pollID,
			CreatorID: strings.TrimSpace(record.CreatorID),
			Question:  record.Question,
			Options:   options,
			ExpiresAt: record.ExpiresAt,
			CreatedAt: createdAt,
		})
	}
	return polls, nil
}
