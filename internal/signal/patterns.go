package signal

import "tradebot-core/pkg/exchanges/common"

// Candlestick pattern predicates using the standard body/shadow ratios.

// IsDoji reports a body smaller than 10% of the candle's range.
func IsDoji(c common.Candle) bool {
	r := c.Range()
	if r == 0 {
		return true
	}
	return c.Body() < 0.1*r
}

// IsHammer reports a lower shadow longer than twice the body with a short
// upper shadow.
func IsHammer(c common.Candle) bool {
	body := c.Body()
	if body == 0 {
		return false
	}
	return c.LowerShadow() > 2*body && c.UpperShadow() < body
}

// IsShootingStar is the mirrored hammer: long upper shadow, short lower.
func IsShootingStar(c common.Candle) bool {
	body := c.Body()
	if body == 0 {
		return false
	}
	return c.UpperShadow() > 2*body && c.LowerShadow() < body
}

// IsBullishEngulfing reports a bearish candle followed by a bullish candle
// whose body strictly contains the previous body.
func IsBullishEngulfing(prev, cur common.Candle) bool {
	return !prev.Bullish() && cur.Bullish() &&
		cur.Open < prev.Close && cur.Close > prev.Open
}

// IsBearishEngulfing is the inverse: bullish then bearish with containment.
func IsBearishEngulfing(prev, cur common.Candle) bool {
	return prev.Bullish() && !cur.Bullish() &&
		cur.Open > prev.Close && cur.Close < prev.Open
}
