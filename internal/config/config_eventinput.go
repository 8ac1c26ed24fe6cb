package config

// EventInput tunes the ingestion pipeline (component F): the size of
// the bounded worker pool that state resolution and signature
// verification are routed through (internal/blocking.Pool).
type EventInput struct {
	BlockingPoolWorkers int `yaml:"blocking_pool_workers"`
}

func (c *EventInput) Defaults(opts DefaultOpts) {
	c.BlockingPoolWorkers = 8
}

func (c *EventInput) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "event_input.blocking_pool_workers", int64(c.BlockingPoolWorkers))
}
