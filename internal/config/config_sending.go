package config

// Sending tunes internal/sending's per-destination queue: transaction
// batch sizes and the exponential backoff applied to a destination
// that is failing to accept transactions.
type Sending struct {
	MaxPDUsPerTransaction int             `yaml:"max_pdus_per_transaction"`
	MaxEDUsPerTransaction int             `yaml:"max_edus_per_transaction"`
	BackoffBase           DurationSeconds `yaml:"backoff_base_seconds"`
	BackoffMax            DurationSeconds `yaml:"backoff_max_seconds"`
}

func (c *Sending) Defaults(opts DefaultOpts) {
	c.MaxPDUsPerTransaction = 50
	c.MaxEDUsPerTransaction = 100
	c.BackoffBase = DurationSeconds(5 * 60)
	c.BackoffMax = DurationSeconds(24 * 60 * 60)
}

func (c *Sending) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sending.max_pdus_per_transaction", int64(c.MaxPDUsPerTransaction))
	checkPositive(configErrs, "sending.max_edus_per_transaction", int64(c.MaxEDUsPerTransaction))
	checkPositive(configErrs, "sending.backoff_base_seconds", int64(c.BackoffBase))
	checkPositive(configErrs, "sending.backoff_max_seconds", int64(c.BackoffMax))
	if c.BackoffMax < c.BackoffBase {
		configErrs.Add("sending.backoff_max_seconds must be >= sending.backoff_base_seconds")
	}
}
