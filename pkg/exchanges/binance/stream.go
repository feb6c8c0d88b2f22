package binance

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	mainnetWSURL = "wss://stream.binance.com:9443/ws"
	testnetWSURL = "wss://testnet.binance.vision/ws"

	// ticks older than this are treated as stale and force a REST refresh
	staleAfter = 15 * time.Second
)

type tick struct {
	price float64
	at    time.Time
}

// priceStream keeps a local price cache fed by Binance miniTicker streams.
// Symbols are subscribed lazily on first use; the read loop reconnects on
// failure with a flat backoff.
type priceStream struct {
	wsURL string

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	prices  map[string]tick
	nextID  int64

	closeOnce sync.Once
	done      chan struct{}
}

func newPriceStream(testnet bool) *priceStream {
	u := mainnetWSURL
	if testnet {
		u = testnetWSURL
	}
	return &priceStream{
		wsURL:   u,
		symbols: make(map[string]struct{}),
		prices:  make(map[string]tick),
		done:    make(chan struct{}),
	}
}

// price returns the cached price for an exchange-format symbol, if fresh.
func (s *priceStream) price(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.prices[symbol]
	if !ok || time.Since(t.at) > staleAfter {
		return 0, false
	}
	return t.price, true
}

// watch subscribes the symbol's miniTicker stream, connecting on first use.
func (s *priceStream) watch(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symbols[symbol]; ok {
		return
	}
	s.symbols[symbol] = struct{}{}

	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
		if err != nil {
			log.Printf("binance: stream dial failed, staying on REST: %v", err)
			return
		}
		s.conn = conn
		go s.readLoop(conn)
	}
	s.subscribeLocked(symbol)
}

func (s *priceStream) subscribeLocked(symbol string) {
	s.nextID++
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(symbol) + "@miniTicker"},
		"id":     s.nextID,
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		log.Printf("binance: subscribe %s: %v", symbol, err)
	}
}

func (s *priceStream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.reconnect(conn)
			return
		}

		var ev struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		}
		if json.Unmarshal(data, &ev) != nil || ev.EventType != "24hrMiniTicker" {
			continue
		}
		price, err := strconv.ParseFloat(ev.Close, 64)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.prices[ev.Symbol] = tick{price: price, at: time.Now()}
		s.mu.Unlock()
	}
}

func (s *priceStream) reconnect(old *websocket.Conn) {
	old.Close()

	select {
	case <-s.done:
		return
	case <-time.After(5 * time.Second):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != old {
		return
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		log.Printf("binance: stream reconnect failed: %v", err)
		s.conn = nil
		return
	}
	s.conn = conn
	for sym := range s.symbols {
		s.subscribeLocked(sym)
	}
	go s.readLoop(conn)
}

func (s *priceStream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.conn.Close()
			s.conn = nil
		}
	})
}
