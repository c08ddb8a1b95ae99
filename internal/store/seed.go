package store

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"buseta/internal/domain"
	"buseta/internal/geo"
)

// Seed is the YAML document used to preload lines, stops and users.
type Seed struct {
	Lines []SeedLine    `yaml:"lines" validate:"dive"`
	Users []domain.User `yaml:"users"`
}

type SeedLine struct {
	ID    string     `yaml:"id" validate:"required"`
	Name  string     `yaml:"name"`
	Stops []SeedStop `yaml:"stops" validate:"required,min=2,dive"`
}

type SeedStop struct {
	ID   string  `yaml:"id" validate:"required"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon  float64 `yaml:"lon" validate:"gte=-180,lte=180"`
}

// LoadSeedFile reads and validates a seed file and loads it into lines and users.
func LoadSeedFile(path string, lines *MemoryLines, users *MemoryUsers) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	return LoadSeed(data, lines, users)
}

func LoadSeed(data []byte, lines *MemoryLines, users *MemoryUsers) error {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("decoding seed: %w", err)
	}
	if err := validator.New().Struct(seed); err != nil {
		return fmt.Errorf("invalid seed: %w", err)
	}

	for _, sl := range seed.Lines {
		route := make([]domain.LineStop, 0, len(sl.Stops))
		var cumulative float64
		for i, ss := range sl.Stops {
			stop := domain.Stop{
				ID:       ss.ID,
				Name:     ss.Name,
				Location: domain.Point{Lat: ss.Lat, Lon: ss.Lon},
			}
			if i > 0 {
				cumulative += geo.Distance(route[i-1].Stop.Location, stop.Location)
			}
			route = append(route, domain.LineStop{
				LineID:            sl.ID,
				Stop:              stop,
				Order:             i,
				DistanceFromStart: cumulative,
			})
		}
		lines.PutLine(domain.Line{ID: sl.ID, Name: sl.Name}, route)
	}

	for _, u := range seed.Users {
		if u.ID == "" {
			return fmt.Errorf("invalid seed: user without id")
		}
		users.Put(u)
	}
	return nil
}
