// Package pricing считает стоимость вызовов модели по числу токенов.
package pricing

import (
	"fmt"
	"strings"
	"sync"

	"resume-server/internal/interfaces"

	"github.com/ilyakaznacheev/cleanenv"
)

// ModelPrice - цены в USD за миллион токенов.
// CachedInputPerMillion = 0 означает, что кэшированные токены стоят как обычные.
type ModelPrice struct {
	InputPerMillion       float64 `yaml:"input_per_million" json:"input_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million" json:"cached_input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million" json:"output_per_million"`
}

// File - формат файла цен (PRICING_FILE).
type File struct {
	Default ModelPrice            `yaml:"default" json:"default"`
	Models  map[string]ModelPrice `yaml:"models" json:"models"`
}

// Цены по умолчанию для моделей, которые используются в продакшене.
var defaultPrices = map[string]ModelPrice{
	"gpt-4o":                      {InputPerMillion: 2.50, CachedInputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-4o-mini":                 {InputPerMillion: 0.15, CachedInputPerMillion: 0.075, OutputPerMillion: 0.60},
	"gpt-4.1":                     {InputPerMillion: 2.00, CachedInputPerMillion: 0.50, OutputPerMillion: 8.00},
	"gpt-4.1-mini":                {InputPerMillion: 0.40, CachedInputPerMillion: 0.10, OutputPerMillion: 1.60},
	"deepseek-chat":               {InputPerMillion: 0.27, CachedInputPerMillion: 0.07, OutputPerMillion: 1.10},
	"google/gemini-2.0-flash-001": {InputPerMillion: 0.10, CachedInputPerMillion: 0.025, OutputPerMillion: 0.40},
}

// defaultFallback применяется к неизвестным моделям.
var defaultFallback = ModelPrice{InputPerMillion: 0.15, OutputPerMillion: 0.60}

// Table - таблица цен. Безопасна для конкурентного чтения.
type Table struct {
	mu       sync.RWMutex
	prices   map[string]ModelPrice
	fallback ModelPrice
}

var _ interfaces.PricingTable = (*Table)(nil)

// NewTable создает таблицу из набора цен.
func NewTable(prices map[string]ModelPrice, fallback ModelPrice) *Table {
	t := &Table{prices: make(map[string]ModelPrice, len(prices)), fallback: fallback}
	for model, p := range prices {
		t.prices[strings.ToLower(model)] = p
	}
	return t
}

// DefaultTable возвращает таблицу со встроенными ценами.
func DefaultTable() *Table {
	return NewTable(defaultPrices, defaultFallback)
}

// Load читает файл цен и накладывает его поверх встроенных цен. Пустой path - только встроенные цены.
func Load(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	var f File
	if err := cleanenv.ReadConfig(path, &f); err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}
	t.Merge(f)
	return t, nil
}

// Merge добавляет или заменяет цены.
func (t *Table) Merge(f File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.Default != (ModelPrice{}) {
		t.fallback = f.Default
	}
	for model, p := range f.Models {
		t.prices[strings.ToLower(model)] = p
	}
}

// Price возвращает цены для модели. Имя вида "provider/model" ищется целиком, затем без провайдера.
func (t *Table) Price(model string) ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(model))
	if p, ok := t.prices[key]; ok {
		return p
	}
	if i := strings.LastIndex(key, "/"); i >= 0 {
		if p, ok := t.prices[key[i+1:]]; ok {
			return p
		}
	}
	return t.fallback
}

// Cost считает стоимость вызова. cachedTokens входят в promptTokens.
func (t *Table) Cost(model string, promptTokens, cachedTokens, completionTokens int) float64 {
	p := t.Price(model)
	if cachedTokens > promptTokens {
		cachedTokens = promptTokens
	}
	cachedPrice := p.CachedInputPerMillion
	if cachedPrice == 0 {
		cachedPrice = p.InputPerMillion
	}
	uncached := float64(promptTokens - cachedTokens)
	return uncached*p.InputPerMillion/1_000_000.0 +
		float64(cachedTokens)*cachedPrice/1_000_000.0 +
		float64(completionTokens)*p.OutputPerMillion/1_000_000.0
}
