package orga

// Observer is notified by the training loop. Calls are synchronous and
// come from the goroutine running Train; a slow observer slows training.
type Observer interface {
	OnEpochStart(ep Epoch, lr float64)
	OnBatchEnd(ep Epoch, batch int, metrics map[string]float64)
	// OnEpochEnd receives the train metrics of the file and, when a
	// validation followed it, the validation metrics; val is nil otherwise.
	OnEpochEnd(ep Epoch, train, val map[string]float64)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	EpochStart func(ep Epoch, lr float64)
	BatchEnd   func(ep Epoch, batch int, metrics map[string]float64)
	EpochEnd   func(ep Epoch, train, val map[string]float64)
}

func (f ObserverFuncs) OnEpochStart(ep Epoch, lr float64) {
	if f.EpochStart != nil {
		f.EpochStart(ep, lr)
	}
}

func (f ObserverFuncs) OnBatchEnd(ep Epoch, batch int, metrics map[string]float64) {
	if f.BatchEnd != nil {
		f.BatchEnd(ep, batch, metrics)
	}
}

func (f ObserverFuncs) OnEpochEnd(ep Epoch, train, val map[string]float64) {
	if f.EpochEnd != nil {
		f.EpochEnd(ep, train, val)
	}
}
