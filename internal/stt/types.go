package stt

// Result is a single recognition result from the streaming recognizer.
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal reports whether the recognizer has settled on this text.
	// Interim results may be revised by later ones.
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Start is the start time of the segment in seconds
	Start float64

	// Duration is the duration of the segment in seconds
	Duration float64
}

// Client is the interface for streaming speech-to-text clients
type Client interface {
	// Start begins a new recognition session
	Start() error

	// SendAudio sends an audio chunk to the recognizer
	SendAudio(audioData []byte) error

	// Results returns the channel of recognition results
	Results() <-chan *Result

	// Stop ends the recognition session
	Stop() error

	// Close closes the client and cleans up resources
	Close() error
}
