package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all signalpipe metrics instruments.
type Metrics struct {
	SignalsParsed   metric.Int64Counter
	SignalsFailed   metric.Int64Counter
	ExtractDuration metric.Float64Histogram
	SubmitRejects   metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	SweptSignals    metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SignalsParsed, err = meter.Int64Counter("signalpipe.signals.parsed",
		metric.WithDescription("Signals successfully parsed"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsFailed, err = meter.Int64Counter("signalpipe.signals.failed",
		metric.WithDescription("Signals whose extraction failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtractDuration, err = meter.Float64Histogram("signalpipe.extract.duration",
		metric.WithDescription("Extraction call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubmitRejects, err = meter.Int64Counter("signalpipe.queue.rejects",
		metric.WithDescription("Parse tasks rejected by queue backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("signalpipe.queue.depth",
		metric.WithDescription("Parse tasks currently buffered"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptSignals, err = meter.Int64Counter("signalpipe.retention.swept",
		metric.WithDescription("Signals removed by the retention sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("signalpipe.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
