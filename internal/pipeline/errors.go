package pipeline

import "errors"

// Stage names one step of the capture pipeline.
type Stage string

const (
	StageAcquire Stage = "acquire"
	StageDetect  Stage = "detect"
	StageRender  Stage = "render"
	StageEmit    Stage = "emit"
)

var (
	// ErrSourceUnavailable means no camera is attached and no source file
	// was supplied.
	ErrSourceUnavailable = errors.New("image source unavailable")
	// ErrInference means the detection collaborator failed; the run aborts
	// with no partial render.
	ErrInference = errors.New("inference failed")
	// ErrOutput marks a non-fatal printer/display fault. The run still
	// completes when the artifact was persisted first.
	ErrOutput = errors.New("output fault")
)
