package model

// PreviewStatus is where an attachment preview fetch stands.
type PreviewStatus string

const (
	// PreviewIdle means the attachment is not tracked, e.g. it was removed.
	PreviewIdle    PreviewStatus = "idle"
	PreviewLoading PreviewStatus = "loading"
	PreviewLoaded  PreviewStatus = "loaded"
	PreviewFailed  PreviewStatus = "failed"
)
