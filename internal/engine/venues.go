package engine

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xela07ax/agentguard/internal/domain"
)

// Venue — контракт и функция, которые вызывает своп на конкретной площадке.
type Venue struct {
	Target   common.Address
	Selector domain.Selector

	// AllowedAssets — белый список токенов площадки. Пустой — без ограничений.
	AllowedAssets map[common.Address]struct{}
}

// Allows — оба актива свопа должны быть в белом списке.
func (v Venue) Allows(tokenIn, tokenOut common.Address) bool {
	if len(v.AllowedAssets) == 0 {
		return true
	}
	_, in := v.AllowedAssets[tokenIn]
	_, out := v.AllowedAssets[tokenOut]
	return in && out
}

// VenueSpec — конфигурационное описание площадки (hex-строки из YAML/ENV).
type VenueSpec struct {
	Target        string   `mapstructure:"target"`
	Selector      string   `mapstructure:"selector"` // 0x-hex или сигнатура "swapIn(address,...)"
	AllowedAssets []string `mapstructure:"allowed_assets"`
}

// Venues — площадки по имени (domain.VenueMento, domain.VenueRouter).
type Venues map[string]Venue

// ParseVenues проверяет конфиг площадок. Ошибка — фатальна на старте.
func ParseVenues(specs map[string]VenueSpec) (Venues, error) {
	out := make(Venues, len(specs))
	for name, s := range specs {
		if !common.IsHexAddress(s.Target) {
			return nil, fmt.Errorf("venue %s: invalid target %q", name, s.Target)
		}

		var sel domain.Selector
		if strings.Contains(s.Selector, "(") {
			sel = domain.SelectorFromSignature(strings.TrimSpace(s.Selector))
		} else {
			parsed, err := domain.ParseSelector(s.Selector)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", name, err)
			}
			sel = parsed
		}

		v := Venue{
			Target:   common.HexToAddress(s.Target),
			Selector: sel,
		}
		if len(s.AllowedAssets) > 0 {
			v.AllowedAssets = make(map[common.Address]struct{}, len(s.AllowedAssets))
			for _, a := range s.AllowedAssets {
				if !common.IsHexAddress(a) {
					return nil, fmt.Errorf("venue %s: invalid asset %q", name, a)
				}
				v.AllowedAssets[common.HexToAddress(a)] = struct{}{}
			}
		}
		out[name] = v
	}
	return out, nil
}
