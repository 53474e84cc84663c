package pipeline

// ProgressPublisher receives progress derived from persisted transitions.
// Publish must not block: a slow or absent subscriber may lose events but must
// never hold up the orchestrator.
type ProgressPublisher interface {
	Publish(ev ProgressEvent)
}

// PublisherFunc adapts a function to ProgressPublisher.
type PublisherFunc func(ev ProgressEvent)

func (f PublisherFunc) Publish(ev ProgressEvent) {
	f(ev)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ProgressEvent) {}

// NopPublisher discards progress.
var NopPublisher ProgressPublisher = nopPublisher{}
