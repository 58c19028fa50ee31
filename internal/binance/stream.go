package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceStream keeps a live last price per asset from the combined trade
// stream. It reconnects on failure and is safe for concurrent readers.
type PriceStream struct {
	wsURL  string
	assets []string

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	updated map[string]time.Time

	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

func NewPriceStream(wsURL string, assets []string) *PriceStream {
	return &PriceStream{
		wsURL:   wsURL,
		assets:  assets,
		prices:  make(map[string]decimal.Decimal),
		updated: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// Start connects and begins streaming in the background.
func (s *PriceStream) Start() {
	s.running = true
	go s.run()
	log.Info().Strs("assets", s.assets).Msg("Binance price stream started")
}

// Stop closes the connection and ends the reconnect loop.
func (s *PriceStream) Stop() {
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

// LastPrice returns the most recent trade price for the asset and whether it
// is younger than maxAge.
func (s *PriceStream) LastPrice(asset string, maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, false
	}
	if time.Since(s.updated[asset]) > maxAge {
		return price, false
	}
	return price, true
}

func (s *PriceStream) run() {
	for s.running {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("WebSocket connection failed")
			if !s.wait(5 * time.Second) {
				return
			}
			continue
		}

		s.readMessages()

		if s.running {
			log.Warn().Msg("WebSocket disconnected, reconnecting...")
			if !s.wait(time.Second) {
				return
			}
		}
	}
}

func (s *PriceStream) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *PriceStream) connect() error {
	streams := make([]string, len(s.assets))
	for i, asset := range s.assets {
		streams[i] = strings.ToLower(Symbol(asset)) + "@trade"
	}
	url := fmt.Sprintf("%s/%s", s.wsURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.conn = conn
	log.Info().Str("url", url).Msg("WebSocket connected to Binance")
	return nil
}

func (s *PriceStream) readMessages() {
	for s.running {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.running {
				log.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(data []byte) {
	var msg struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.EventType != "trade" {
		return
	}

	asset := strings.TrimSuffix(msg.Symbol, "USDT")
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.prices[asset] = price
	s.updated[asset] = time.Now()
	s.mu.Unlock()
}
