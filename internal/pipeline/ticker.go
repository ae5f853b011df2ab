package pipeline

import "time"

// Ticker is the tick source driving a task. Tests substitute a manual one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

// NewTicker is the default TickerFunc, backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }
