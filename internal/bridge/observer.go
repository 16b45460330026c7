package bridge

import "github.com/vstride/vstride-bridge/internal/models"

// Observer receives every tick's sample and every lifecycle event. Calls are
// made from the loop goroutine and must not block.
type Observer interface {
	OnSample(s models.Sample)
	OnEvent(e models.Event)
}

// Observers fans out to each member in order.
type Observers []Observer

func (o Observers) OnSample(s models.Sample) {
	for _, obs := range o {
		obs.OnSample(s)
	}
}

func (o Observers) OnEvent(e models.Event) {
	for _, obs := range o {
		obs.OnEvent(e)
	}
}
