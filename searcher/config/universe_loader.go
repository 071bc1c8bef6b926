package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/sugawarayuuta/sonnet"
)

// UniverseSeed is the on-disk form of a token and dex universe.
//
//	[[tokens]]
//	address = "0xa0b8..."
//	priority = "beginning"
//
//	[[dexes]]
//	address = "0x7a25..."
//	dex_type = 1
type UniverseSeed struct {
	Tokens []SeedToken `json:"tokens" toml:"tokens"`
	Dexes  []SeedDex   `json:"dexes" toml:"dexes"`
}

type SeedToken struct {
	Address  string `json:"address" toml:"address"`
	Priority string `json:"priority" toml:"priority"`
}

type SeedDex struct {
	Address string `json:"address" toml:"address"`
	DexType int    `json:"dex_type" toml:"dex_type"`
}

// LoadUniverseSeed reads a seed file (.toml or .json) and converts it to model types.
func LoadUniverseSeed(filePath string) ([]models.Token, []models.Dex, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read universe seed: %w", err)
	}

	var seed UniverseSeed
	if strings.HasSuffix(filePath, ".json") {
		if err := sonnet.Unmarshal(data, &seed); err != nil {
			return nil, nil, fmt.Errorf("failed to parse JSON seed: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, &seed); err != nil {
			return nil, nil, fmt.Errorf("failed to parse TOML seed: %w", err)
		}
	}

	return seed.Convert()
}

// Convert validates every entry and returns the model form of the seed.
func (s *UniverseSeed) Convert() ([]models.Token, []models.Dex, error) {
	tokens := make([]models.Token, 0, len(s.Tokens))
	for i, t := range s.Tokens {
		if !common.IsHexAddress(t.Address) {
			return nil, nil, fmt.Errorf("tokens[%d]: invalid address %q", i, t.Address)
		}
		priority, err := models.ParsePriority(t.Priority)
		if err != nil {
			return nil, nil, fmt.Errorf("tokens[%d]: %w", i, err)
		}
		tokens = append(tokens, models.Token{Address: common.HexToAddress(t.Address), Priority: priority})
	}

	dexs := make([]models.Dex, 0, len(s.Dexes))
	for i, d := range s.Dexes {
		if !common.IsHexAddress(d.Address) {
			return nil, nil, fmt.Errorf("dexes[%d]: invalid address %q", i, d.Address)
		}
		if d.DexType < 0 || d.DexType > 255 {
			return nil, nil, fmt.Errorf("dexes[%d]: dex_type %d out of range", i, d.DexType)
		}
		dexs = append(dexs, models.Dex{Address: common.HexToAddress(d.Address), Type: models.DexType(d.DexType)})
	}

	return tokens, dexs, nil
}
